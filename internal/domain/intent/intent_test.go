package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"outbound-call-server-golang/internal/data/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		want Category
	}{
		{"Please stop calling me!", DoNotCall},
		{"Don't call this number again.", DoNotCall},
		{"Por favor, no me llame más", DoNotCall},
		{"Ne m'appelez plus jamais", DoNotCall},
		{"不要再打给我了", DoNotCall},
		{"Can I speak to a human please?", Transfer},
		{"quiero hablar con una persona", Transfer},
		{"转人工", Transfer},
		{"I'm busy right now, call me later", Reschedule},
		{"Rappelez-moi demain", Reschedule},
		{"现在不方便，晚点再打", Reschedule},
		{"Yes, I am interested", None},
		{"", None},
		{"the supervisory board", None},
		{"Remove me from your list", DoNotCall},
		{"Never call me again", DoNotCall},
		{"Could I speak to a supervisor?", Transfer},
		{"I'd never call that cheap", None},
		{"my supervisor said it was fine", None},
		{"you can remove me later from the meeting", None},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.text))
		})
	}
}

func TestClassifyPriority(t *testing.T) {
	// dnc 优先于 transfer 和 reschedule
	assert.Equal(t, DoNotCall, Classify("call me later, actually no, stop calling and let me talk to a human"))
	assert.Equal(t, Transfer, Classify("call me back or let me speak to an agent"))
}

func TestReconcile(t *testing.T) {
	assert.Equal(t, model.ActionDNC, Reconcile(model.ActionContinue, Classify("stop calling")))
	assert.Equal(t, model.ActionContinue, Reconcile(model.ActionContinue, None))
	// 勿扰关键词覆盖任何 LLM 动作
	for _, a := range []model.Action{model.ActionEnd, model.ActionTransfer, model.ActionReschedule, model.ActionDNC} {
		assert.Equal(t, model.ActionDNC, Reconcile(a, DoNotCall), a)
	}
	// 转接与改约只覆盖 continue
	assert.Equal(t, model.ActionEnd, Reconcile(model.ActionEnd, Transfer))
	assert.Equal(t, model.ActionEnd, Reconcile(model.ActionEnd, Reschedule))
	assert.Equal(t, model.ActionTransfer, Reconcile(model.ActionContinue, Transfer))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello how are you", Normalize("  Hello,   how ARE you?! "))
	assert.Equal(t, "", Normalize("...!"))
}

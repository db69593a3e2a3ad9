package intent

import (
	"strings"
	"unicode"

	"outbound-call-server-golang/internal/data/model"
)

type Category string

const (
	None       Category = ""
	DoNotCall  Category = "dnc"
	Transfer   Category = "transfer"
	Reschedule Category = "reschedule"
)

// Action 关键词类别对应的通话动作
func (c Category) Action() (model.Action, bool) {
	switch c {
	case DoNotCall:
		return model.ActionDNC, true
	case Transfer:
		return model.ActionTransfer, true
	case Reschedule:
		return model.ActionReschedule, true
	}
	return "", false
}

// 关键词在 init 中按 Normalize 归一化
var dncKeywords = []string{
	// en
	"do not call", "don't call", "dont call", "stop calling", "remove me from", "remove my number", "take me off your", "take me off the", "unsubscribe me", "never call me", "never call this number",
	// es
	"no me llame", "no me llames", "deje de llamar", "dejen de llamar", "no vuelva a llamar", "borre mi numero",
	// fr
	"ne m appelez plus", "arretez d appeler", "ne plus m appeler", "retirez mon numero",
	// de
	"nicht mehr anrufen", "rufen sie mich nicht", "hören sie auf anzurufen", "nummer löschen",
	// pt
	"não me ligue", "nao me ligue", "pare de ligar", "parem de ligar",
	// it
	"non chiamatemi", "non chiamarmi", "smettete di chiamare",
	// hi (romanized)
	"call mat karo", "phone mat karna", "dobara call mat",
	// zh
	"不要再打", "别再打", "不要打了", "别打了", "拉黑",
}

var transferKeywords = []string{
	// en
	"speak to a human", "talk to a human", "real person", "speak to someone", "talk to someone", "speak to an agent", "talk to an agent", "human agent", "transfer me", "speak to a representative", "speak to your supervisor", "speak to a supervisor", "talk to your supervisor", "talk to a supervisor",
	// es
	"hablar con una persona", "hablar con alguien", "agente humano", "transfiérame", "transfierame",
	// fr
	"parler à quelqu un", "parler a quelqu un", "un conseiller", "une vraie personne",
	// de
	"mit einem menschen", "mit einem mitarbeiter", "verbinden sie mich",
	// pt
	"falar com uma pessoa", "falar com um atendente",
	// it
	"parlare con una persona", "parlare con un operatore",
	// hi
	"insaan se baat", "agent se baat",
	// zh
	"转人工", "人工客服", "真人",
}

var rescheduleKeywords = []string{
	// en
	"call me later", "call back", "call me back", "another time", "not a good time", "busy right now", "call tomorrow", "call me tomorrow",
	// es
	"llámame más tarde", "llamame mas tarde", "llámeme más tarde", "llameme mas tarde", "en otro momento", "estoy ocupado", "estoy ocupada",
	// fr
	"rappelez moi", "rappelez plus tard", "pas le bon moment",
	// de
	"rufen sie später", "später anrufen", "keine zeit",
	// pt
	"me ligue mais tarde", "ligue depois", "estou ocupado", "estou ocupada",
	// it
	"richiamami", "richiamatemi", "più tardi",
	// hi
	"baad mein call", "abhi busy",
	// zh
	"晚点再打", "稍后再打", "改天", "现在不方便",
}

func init() {
	for _, list := range [][]string{dncKeywords, transferKeywords, rescheduleKeywords} {
		for i, kw := range list {
			list[i] = Normalize(kw)
		}
	}
}

// Normalize 小写, 标点换成空格, 合并连续空白
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r) {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimSpace(b.String())
}

// Classify 按 dnc > transfer > reschedule 的优先级返回第一个命中的类别
func Classify(text string) Category {
	normalized := " " + Normalize(text) + " "
	if strings.TrimSpace(normalized) == "" {
		return None
	}
	switch {
	case containsAny(normalized, dncKeywords):
		return DoNotCall
	case containsAny(normalized, transferKeywords):
		return Transfer
	case containsAny(normalized, rescheduleKeywords):
		return Reschedule
	}
	return None
}

// Reconcile 合并 LLM 动作与关键词类别.
// 命中勿扰关键词时无论 LLM 给出什么都以 dnc 为准; 转接与改约只覆盖 continue
func Reconcile(llmAction model.Action, c Category) model.Action {
	if c == DoNotCall {
		return model.ActionDNC
	}
	if llmAction != model.ActionContinue {
		return llmAction
	}
	if action, ok := c.Action(); ok {
		return action
	}
	return llmAction
}

func containsAny(normalized string, keywords []string) bool {
	for _, kw := range keywords {
		if isCJK(kw) {
			if strings.Contains(normalized, kw) {
				return true
			}
			continue
		}
		// 拉丁语系按词边界匹配, 避免 "supervisory" 之类误命中
		if strings.Contains(normalized, " "+kw+" ") {
			return true
		}
	}
	return false
}

func isCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

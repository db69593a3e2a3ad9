package session

import (
	"context"

	"outbound-call-server-golang/internal/domain/store"
	log "outbound-call-server-golang/logger"
)

// CheckCampaignCompletion 没有待拨, 拨打中或已改约的联系人时把 active 活动置为 completed.
// 只有真正完成状态切换的调用返回 true
func CheckCampaignCompletion(ctx context.Context, st store.Store, campaignID string) bool {
	open, err := st.CountOpenContacts(ctx, campaignID)
	if err != nil {
		log.Errorf("统计活动 %s 未完成联系人失败: %v", campaignID, err)
		return false
	}
	if open > 0 {
		return false
	}
	changed, err := st.CompleteCampaign(ctx, campaignID)
	if err != nil {
		log.Errorf("更新活动 %s 状态失败: %v", campaignID, err)
		return false
	}
	if !changed {
		return false
	}
	log.Log("campaign_id", campaignID).Info("活动已完成")
	return true
}

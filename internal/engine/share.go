package engine

import (
	"context"
	"fmt"

	"github.com/stepchat/yuewen/internal/api"
)

// shareLast renders the last question/answer pair into a share poster and
// delivers it. Old variant only; the new service has no poster endpoint.
func (e *Engine) shareLast(ctx context.Context, out Outbound) string {
	cfg := e.store.Snapshot()
	if cfg.APIVersion != string(api.VariantOld) {
		return "⚠️ 分享功能仅支持旧版API，请先发送'" + cfg.TriggerPrefix + "切换旧版'切换到旧版API"
	}
	if e.last.botMsgID == "" {
		return "⚠️ 没有可分享的消息记录，请先发送一条消息"
	}
	if e.now().Sub(e.last.at) > shareWindow {
		return "⚠️ 分享超时，请重新发送消息后再尝试分享"
	}

	url, err := e.sharePoster(ctx)
	if err != nil {
		e.log.Warn("share poster failed", "error", err)
		return "❌ 生成分享图片失败，请稍后重试"
	}
	if serr := out.SendImage(ctx, url); serr != nil {
		return "分享图片发送失败，您可以直接访问: " + url
	}
	return ""
}

// sharePoster runs the two-step poster flow: select the messages into a
// share, then render the share into a static image.
func (e *Engine) sharePoster(ctx context.Context) (string, error) {
	// The poster service is strict about token freshness; refresh outside
	// the usual rate window.
	if err := e.auth.RefreshToken(ctx, true); err != nil {
		e.log.Warn("pre-share token refresh failed", "error", err)
	}

	base := e.client.BaseURL(api.VariantOld)
	opts := api.RequestOpts{
		OasisMode: "2",
		Referer:   base + "/chats/" + e.last.chatID,
	}

	var selected []map[string]any
	if e.last.userMsgID != "" {
		selected = append(selected, map[string]any{
			"messageId":    e.last.userMsgID,
			"messageIndex": 1,
		})
	}
	selected = append(selected, map[string]any{
		"messageId":    e.last.botMsgID,
		"messageIndex": len(selected) + 1,
	})

	var share struct {
		ChatShareID string `json:"chatShareId"`
		Title       string `json:"title"`
	}
	err := e.client.PostJSON(ctx, api.VariantOld,
		e.client.Endpoint(api.VariantOld, api.ShareSelectPath),
		map[string]any{
			"chatId":              e.last.chatID,
			"selectedMessageList": selected,
			"needTitle":           true,
		}, &share, opts)
	if err != nil {
		return "", fmt.Errorf("share selection failed: %w", err)
	}
	if share.ChatShareID == "" {
		return "", fmt.Errorf("share selection response carries no share id")
	}

	var poster struct {
		StaticURL string `json:"staticUrl"`
	}
	err = e.client.PostJSON(ctx, api.VariantOld,
		e.client.Endpoint(api.VariantOld, api.SharePosterPath),
		map[string]any{
			"chatShareId": share.ChatShareID,
			"pageSize":    10,
			"shareUrl":    fmt.Sprintf("%s/share/%s?utm_source=share&utm_content=web_image_share&version=2", base, share.ChatShareID),
			"width":       430,
			"scale":       3,
		}, &poster, opts)
	if err != nil {
		return "", fmt.Errorf("poster generation failed: %w", err)
	}
	if poster.StaticURL == "" {
		return "", fmt.Errorf("poster response carries no static url")
	}
	return poster.StaticURL, nil
}

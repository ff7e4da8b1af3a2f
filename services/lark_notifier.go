package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"livedata-service/logger"
)

// LarkNotifier 飞书机器人通知器
type LarkNotifier struct {
	webhookURL string
	client     *http.Client
	enabled    bool
}

// NewLarkNotifier 创建飞书通知器，webhookURL 为空时不发送
func NewLarkNotifier(webhookURL string) *LarkNotifier {
	enabled := webhookURL != ""
	if enabled {
		logger.Println("[LarkNotifier] Initialized with webhook")
	} else {
		logger.Println("[LarkNotifier] Disabled (no webhook URL)")
	}

	return &LarkNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		enabled:    enabled,
	}
}

// Enabled 是否配置了 webhook
func (n *LarkNotifier) Enabled() bool {
	return n.enabled
}

// LarkMessage 飞书消息结构
type LarkMessage struct {
	MsgType string      `json:"msg_type"`
	Content interface{} `json:"content"`
}

// LarkTextContent 文本消息内容
type LarkTextContent struct {
	Text string `json:"text"`
}

// LarkPostContent 富文本消息内容
type LarkPostContent struct {
	Post LarkPost `json:"post"`
}

type LarkPost struct {
	ZhCn LarkPostLang `json:"zh_cn"`
}

type LarkPostLang struct {
	Title   string          `json:"title"`
	Content [][]LarkElement `json:"content"`
}

type LarkElement struct {
	Tag  string `json:"tag"`
	Text string `json:"text,omitempty"`
	Href string `json:"href,omitempty"`
}

// SendText 发送文本消息
func (n *LarkNotifier) SendText(ctx context.Context, text string) error {
	if !n.enabled {
		return nil
	}
	return n.send(ctx, LarkMessage{
		MsgType: "text",
		Content: LarkTextContent{Text: text},
	})
}

// SendRichText 发送富文本消息
func (n *LarkNotifier) SendRichText(ctx context.Context, title string, content [][]LarkElement) error {
	if !n.enabled {
		return nil
	}
	return n.send(ctx, LarkMessage{
		MsgType: "post",
		Content: LarkPostContent{
			Post: LarkPost{
				ZhCn: LarkPostLang{
					Title:   title,
					Content: content,
				},
			},
		},
	})
}

func (n *LarkNotifier) send(ctx context.Context, message LarkMessage) error {
	jsonData, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// NotifyServiceStart 通知服务启动
func (n *LarkNotifier) NotifyServiceStart(ctx context.Context, sources []string) error {
	content := [][]LarkElement{
		{{Tag: "text", Text: "🚀 服务启动\n"}},
		{{Tag: "text", Text: fmt.Sprintf("数据源: %s\n", strings.Join(sources, ", "))}},
		{{Tag: "text", Text: fmt.Sprintf("时间: %s", time.Now().Format("2006-01-02 15:04:05"))}},
	}
	return n.SendRichText(ctx, "Live Data Processor Started", content)
}

// NotifyUnresolvedStats 通知未结算与未匹配统计，按类别排序输出
func (n *LarkNotifier) NotifyUnresolvedStats(ctx context.Context, stats map[string]int, total int, period string) error {
	content := [][]LarkElement{
		{{Tag: "text", Text: fmt.Sprintf("📊 未结算统计 (%s)\n", period)}},
		{{Tag: "text", Text: fmt.Sprintf("总数: %d\n", total)}},
	}

	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if stats[k] > 0 {
			content = append(content, []LarkElement{
				{Tag: "text", Text: fmt.Sprintf("  %s: %d\n", k, stats[k])},
			})
		}
	}

	content = append(content, []LarkElement{
		{Tag: "text", Text: fmt.Sprintf("时间: %s", time.Now().Format("2006-01-02 15:04:05"))},
	})
	return n.SendRichText(ctx, "Unresolved Casts", content)
}

// NotifyError 通知错误
func (n *LarkNotifier) NotifyError(ctx context.Context, component, message string) error {
	content := [][]LarkElement{
		{{Tag: "text", Text: "❌ 错误\n"}},
		{{Tag: "text", Text: fmt.Sprintf("组件: %s\n", component)}},
		{{Tag: "text", Text: fmt.Sprintf("消息: %s\n", message)}},
		{{Tag: "text", Text: fmt.Sprintf("时间: %s", time.Now().Format("2006-01-02 15:04:05"))}},
	}
	return n.SendRichText(ctx, "Error Alert", content)
}

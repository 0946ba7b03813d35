package usecase

import (
	"fmt"
	"strings"

	"line-relay/internal/domain"
)

const (
	replyReset        = "会話履歴をリセットしました！新しい会話を始めましょう。"
	replyUnsupported  = "現在はテキスト・画像・音声・スタンプに対応しています。"
	replyErrorPrefix  = "申し訳ございません。処理中にエラーが発生しました。\n\nエラー詳細: "
	replyStickerError = "スタンプありがとう！（画像生成中にエラーが発生しました: %s）"
	transcriptMissing = "(音声の文字起こしに失敗しました)"

	maxErrorDetailRunes   = 200
	maxStickerErrorRunes  = 100
	stickerImageURLFormat = "https://stickershop.line-scdn.net/stickershop/v1/sticker/%s/android/sticker.png"
)

var resetCommands = map[string]bool{
	"リセット":   true,
	"reset":  true,
	"/reset": true,
}

const historyCommand = "/history"

// historyReply reports exchanges as count/2, rounded down.
func historyReply(count int) string {
	return fmt.Sprintf("現在%d件の会話履歴があります。\n「リセット」または「/reset」で履歴をクリアできます。", count/2)
}

func buildChatMessages(systemPrompt string, window []domain.Turn, userText string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(window)+2)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: systemPrompt})
	for _, t := range window {
		messages = append(messages, t.AsChatMessage())
	}
	return append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: userText})
}

func buildImageMessages(systemPrompt string, content domain.Content) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: systemPrompt + "\n\n" + imageRules()},
		{Role: domain.RoleUser, Parts: []domain.ContentPart{
			domain.TextPart(imageInstruction()),
			domain.ImagePart(content.DataURL()),
		}},
	}
}

func buildStickerMessages(mode, stickerURL string) []domain.ChatMessage {
	system, instruction := stickerImagePrompt(), "このスタンプの感情を読み取り、それに応える画像のプロンプトを英語で作成してください。"
	if mode == StickerModeText {
		system, instruction = stickerTextPrompt(), "このスタンプの気持ちを読み取り、それに応える短い返事をしてください。"
	}
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: system},
		{Role: domain.RoleUser, Parts: []domain.ContentPart{
			domain.TextPart(instruction),
			domain.ImagePart(stickerURL),
		}},
	}
}

func buildSummaryMessages(systemPrompt, transcript string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: systemPrompt},
		{Role: domain.RoleUser, Content: "次の文字起こしを要約してください：\n" + transcript},
	}
}

func imageRules() string {
	return strings.Join([]string{
		"画像が送られたら、以下の形式で対応してください：",
		"",
		"1. **問題の画像の場合**（数学、英語、プログラミングなど）:",
		"   - 問題を理解して、丁寧な解説を提供",
		"   - 回答例を示す",
		"   - 解き方の手順を説明",
		"   - 重要なポイントを指摘",
		"",
		"2. **一般的な画像の場合**:",
		"   - 画像の内容を簡潔に説明",
		"",
		"判断基準:",
		"- 文字や数式が多い → 問題の可能性が高い",
		"- 「問」「解答」「問題」などの文字がある → 問題",
		"- 教科書やノートの写真 → 問題の可能性あり",
		"",
		"【重要】表記ルール:",
		"",
		"▼ 数式の書き方",
		"• LaTeX形式（\\(, \\), \\[, \\], $など）は絶対に使わない",
		"• バックスラッシュ（\\）は一切使わない",
		"• 累乗: x² または x^2",
		"• 分数: 1/2",
		"• 根号: √",
		"• プレーンテキストで読みやすく",
		"",
		"▼ 箇条書きの書き方",
		"• ハイフン（-）やアスタリスク（*）は使わない",
		"• 代わりに「•」（黒丸）または数字を使う",
		"• 例: • 項目1　• 項目2",
		"",
		"▼ 数式の良い例・悪い例",
		"❌ 悪い例: \\(x^2 + 2x + 1\\)",
		"✅ 良い例: x² + 2x + 1 または x^2 + 2x + 1",
		"❌ 悪い例: - 計算手順（行頭にハイフン）",
		"✅ 良い例: • 計算手順 または 1. 計算手順",
	}, "\n")
}

func imageInstruction() string {
	return strings.Join([]string{
		"この画像を分析してください。",
		"",
		"もし問題（数学、英語、プログラミングなど）であれば:",
		"1. 問題の内容を確認",
		"2. 解き方の手順を説明",
		"3. 回答例を提示",
		"4. 重要なポイントを指摘",
		"",
		"一般的な画像であれば、内容を簡潔に説明してください。",
	}, "\n")
}

func stickerImagePrompt() string {
	return strings.Join([]string{
		"あなたはスタンプ画像を分析し、それに応じた画像生成プロンプトを作成する専門家です。",
		"",
		"スタンプの感情や雰囲気を読み取り、それに応えるような画像の説明を英語で簡潔に出力してください。",
		"",
		"【重要】出力形式:",
		"- 英語のプロンプトのみ出力（1-2文、最大70単語）",
		"- 日本語の説明は不要",
		"- DALL-E 3で生成しやすいシンプルな描写",
		"- 感情を視覚的に表現",
		"",
		"例:",
		`- 喜び → "A cheerful cartoon character jumping with joy, bright colors, happy atmosphere"`,
		`- 悲しみ → "A cute character sitting under rain clouds, soft pastel colors, melancholic mood"`,
		`- 愛情 → "Two adorable characters hugging with hearts around them, warm pink tones"`,
		`- 応援 → "An energetic character cheering with pom-poms, vibrant colors, motivational scene"`,
	}, "\n")
}

func stickerTextPrompt() string {
	return strings.Join([]string{
		"あなたはLINEのスタンプに反応するフレンドリーな日本語アシスタントです。",
		"",
		"スタンプの感情や雰囲気を読み取り、それに寄り添う返事を書いてください。",
		"",
		"【重要】出力形式:",
		"- 日本語で1〜2文",
		"- 絵文字は1つまで",
		"- スタンプの説明ではなく、会話としての返事",
	}, "\n")
}

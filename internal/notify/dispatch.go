package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/notifyhub/notify/pkg/directory"
	"github.com/notifyhub/notify/pkg/push"
	"github.com/notifyhub/notify/pkg/render"
)

const (
	// msgTypeSiteMsg はサイト内メッセージのペイロード種別。配信キーにも使用する。
	msgTypeSiteMsg = "site-msg"
	// pmTypeNotice はお知らせ種別のメッセージ。レコードに種別として刻まれる。
	pmTypeNotice = "notice"
	// pmTypeMsg は通常メッセージの種別。
	pmTypeMsg = "msg"
	// batchInsertLimit は一括挿入1回あたりのレコード数上限。
	// これを超えるとSQL文が肥大化して実行時間が延びるため、到達したら都度書き出す。
	batchInsertLimit = 999
	// keyNamespace は配信キーのプロセス全体で固定の接頭辞。
	keyNamespace = "notify"
)

var (
	// ErrTemplateNotFound は送信設定が参照するテンプレートが存在しないことを表す。
	ErrTemplateNotFound = errors.New("テンプレートが存在しません")
	// ErrTemplateContentEmpty はテンプレートに本文が設定されていないことを表す。
	ErrTemplateContentEmpty = errors.New("テンプレートの本文が設定されていません")
	// ErrTemplateRender はテンプレートの描画失敗を表す。
	// 配信の残りは中断されるが、書き出し済みのバッチは取り消されない。
	ErrTemplateRender = errors.New("テンプレートの描画に失敗しました")
)

// messageStore は配信パイプラインが必要とする永続化操作。
type messageStore interface {
	GetTemplateByID(ctx context.Context, id int64) (Template, error)
	BatchInsertSiteMsgRecords(ctx context.Context, records []SiteMsgRecord) error
	CountUnread(ctx context.Context, userID int64) (int64, error)
}

// MessageService はテンプレート駆動のメッセージ配信パイプライン。
// 対象ユーザーごとに描画したレコードを上限付きバッチで永続化し、
// 送信設定に応じてリアルタイムプッシュを行う。
type MessageService struct {
	// store はテンプレートとメッセージレコードの永続化層。
	store messageStore
	// sender はリアルタイムプッシュの送信先。ベストエフォートで扱う。
	sender push.Sender
}

// NewMessageService は新しいMessageServiceを生成する。
func NewMessageService(store messageStore, sender push.Sender) *MessageService {
	return &MessageService{
		store:  store,
		sender: sender,
	}
}

// SendSiteMessage は対象ユーザー全員にサイト内メッセージを配信する。
// テンプレートの取得と本文の検証はいかなる副作用よりも先に行い、
// 失敗した場合は設定不備として配信全体を中断する。
// 内部IDのないユーザー（メールアドレスのみで解決されたユーザー）には
// レコードを作成せず、プッシュの対象にもしない。
func (s *MessageService) SendSiteMessage(ctx context.Context, code string, params map[string]any, targetUsers []directory.User, sendBy int64, setting SendSetting) error {
	tmpl, err := s.store.GetTemplateByID(ctx, setting.TemplateID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: template_id=%d", ErrTemplateNotFound, setting.TemplateID)
		}
		return fmt.Errorf("テンプレートの取得に失敗: %w", err)
	}
	if !tmpl.Content.Valid || tmpl.Content.String == "" {
		return fmt.Errorf("%w: template_id=%d", ErrTemplateContentEmpty, setting.TemplateID)
	}
	renderTmpl := render.Template{
		Code:    tmpl.Code,
		Title:   tmpl.Title,
		Content: tmpl.Content.String,
	}

	records := make([]SiteMsgRecord, 0, min(len(targetUsers), batchInsertLimit))
	for _, user := range targetUsers {
		// 次のユーザーを処理する前に、上限に達したバッファを書き出す
		if len(records) >= batchInsertLimit {
			if err := s.store.BatchInsertSiteMsgRecords(ctx, records); err != nil {
				return fmt.Errorf("メッセージレコードの一括挿入に失敗: %w", err)
			}
			records = records[:0]
		}

		if user.ID == 0 {
			continue
		}

		userParams := mergeUserParams(params, user)
		content, err := render.Render(renderTmpl, userParams, render.TypeContent)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTemplateRender, err)
		}
		title, err := render.Render(renderTmpl, userParams, render.TypeTitle)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTemplateRender, err)
		}

		record := SiteMsgRecord{
			ID:      uuid.New().String(),
			UserID:  user.ID,
			Title:   title,
			Content: content,
			SendBy:  sendBy,
			Type:    pmTypeMsg,
		}
		if setting.PmType == pmTypeNotice {
			record.Type = pmTypeNotice
		}
		records = append(records, record)
	}
	if err := s.store.BatchInsertSiteMsgRecords(ctx, records); err != nil {
		return fmt.Errorf("メッセージレコードの一括挿入に失敗: %w", err)
	}

	// 即時配信は永続化完了後の独立したフェーズとして実行する。
	// プッシュの失敗は配信の失敗として扱わない
	if setting.IsSendInstantly {
		for _, user := range targetUsers {
			if user.ID == 0 {
				continue
			}
			key := fmt.Sprintf("%s:msg:%s:%d", keyNamespace, msgTypeSiteMsg, user.ID)
			unread, err := s.store.CountUnread(ctx, user.ID)
			if err != nil {
				log.Printf("未読件数の取得に失敗（ユーザー: %d）: %v", user.ID, err)
				continue
			}
			s.sender.SendByKey(key, push.Payload{
				Type: msgTypeSiteMsg,
				Key:  key,
				Data: unread,
			})
		}
	}

	return nil
}

// SendRaw はテンプレートも永続化も経由せず、任意のIDのキー宛に
// メッセージをそのままプッシュする。一時的なシグナルの配信に使用する。
func (s *MessageService) SendRaw(code, id, message string) {
	key := fmt.Sprintf("%s:msg:%s:%s", keyNamespace, code, id)
	s.sender.SendByKey(key, push.Payload{
		Type: code,
		Key:  key,
		Data: message,
	})
}

// mergeUserParams は呼び出し元のパラメータにユーザー既定パラメータを
// 補完した新しいマップを返す。呼び出し元の指定が優先される。
// 共有状態を持たないため、ユーザーごとの並行呼び出しにも安全である。
func mergeUserParams(params map[string]any, user directory.User) map[string]any {
	merged := make(map[string]any, len(params)+4)
	for k, v := range params {
		merged[k] = v
	}
	defaults := map[string]any{
		"userId":    user.ID,
		"email":     user.Email,
		"realName":  user.RealName,
		"loginName": user.LoginName,
	}
	for k, v := range defaults {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return merged
}

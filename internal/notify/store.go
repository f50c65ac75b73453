package notify

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// ScopeLevel はメッセージカテゴリと受信設定の適用範囲を表す。
type ScopeLevel string

const (
	// ScopeSite はサイト全体スコープ。スコープ実体IDは常に0。
	ScopeSite ScopeLevel = "site"
	// ScopeOrganization は組織スコープ。
	ScopeOrganization ScopeLevel = "organization"
	// ScopeProject はプロジェクトスコープ。
	ScopeProject ScopeLevel = "project"
)

// Valid はスコープレベルが定義済みの値かを判定する。
func (l ScopeLevel) Valid() bool {
	switch l {
	case ScopeSite, ScopeOrganization, ScopeProject:
		return true
	}
	return false
}

// SendSetting は管理者が定義するメッセージカテゴリの設定。
// このサービスからは読み取り専用で扱う。
type SendSetting struct {
	// ID は送信設定の一意識別子。
	ID int64
	// Code はメッセージカテゴリのコード。
	Code string
	// Level は設定の適用スコープ。
	Level ScopeLevel
	// AllowConfig はユーザーによる受信拒否を許可するか。
	// falseの設定はユーザーの受信設定の対象にならない。
	AllowConfig bool
	// IsSendInstantly は永続化に加えて即時プッシュ配信を行うか。
	IsSendInstantly bool
	// TemplateID は描画に使用するテンプレートのID。
	TemplateID int64
	// PmType はメッセージ種別（msg / notice）。
	PmType string
}

// ReceiveSetting はユーザーの受信拒否設定1行を表す。
// 行が存在すること自体が「このスコープ実体ではこのカテゴリを受信しない」を意味する。
// 比較可能な構造体であり、5属性すべての一致が行の同一性となる。
type ReceiveSetting struct {
	// SendSettingID は対応する送信設定のID。
	SendSettingID int64 `json:"send_setting_id"`
	// MessageType はメッセージ種別タグ。
	MessageType string `json:"message_type"`
	// SourceID はスコープ実体のID。サイトスコープでは0。
	SourceID int64 `json:"source_id"`
	// SourceType はスコープレベル。
	SourceType ScopeLevel `json:"source_type"`
	// UserID は設定したユーザーのID。
	UserID int64 `json:"user_id"`
}

// Template はメッセージ描画用のテンプレート定義。
type Template struct {
	// ID はテンプレートの一意識別子。
	ID int64
	// Code はテンプレートの識別コード。
	Code string
	// Title はタイトル用テンプレート文字列。
	Title string
	// Content は本文用テンプレート文字列。NULLを許容する。
	Content sql.NullString
}

// SiteMsgRecord は配信済みのサイト内メッセージ1件を表す。
// 配信パイプラインが一括挿入し、以降パイプラインからは変更しない。
type SiteMsgRecord struct {
	// ID はメッセージレコードの一意識別子（UUID）。
	ID string
	// UserID は受信者のユーザーID。
	UserID int64
	// Title は描画済みのタイトル。
	Title string
	// Content は描画済みの本文。
	Content string
	// SendBy は送信者のユーザーID。
	SendBy int64
	// Type はメッセージ種別（msg / notice）。
	Type string
	// IsRead は既読状態。
	IsRead bool
	// CreatedAt は作成日時。
	CreatedAt time.Time
}

// SystemAnnouncement はシステム全体へのお知らせ1件を表す。
type SystemAnnouncement struct {
	// ID はお知らせの一意識別子（UUID）。
	ID string
	// Title はお知らせのタイトル。
	Title string
	// Content はお知らせの本文。
	Content string
	// SendDate は送信日時。
	SendDate time.Time
}

// Store は設定・テンプレート・メッセージレコードの永続化層。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SelectSendSettings は送信設定を検索する。levelが空文字列の場合は全スコープを対象とし、
// allowConfigOnlyがtrueの場合は受信拒否可能な設定のみ返す。
func (s *Store) SelectSendSettings(ctx context.Context, level ScopeLevel, allowConfigOnly bool) ([]SendSetting, error) {
	query := "SELECT id, code, level, allow_config, is_send_instantly, COALESCE(template_id, 0), pm_type FROM send_settings"
	var conds []string
	var args []any
	if level != "" {
		conds = append(conds, "level = ?")
		args = append(args, string(level))
	}
	if allowConfigOnly {
		conds = append(conds, "allow_config = 1")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var settings []SendSetting
	for rows.Next() {
		var setting SendSetting
		var allowConfig, instantly int64
		if err := rows.Scan(&setting.ID, &setting.Code, &setting.Level, &allowConfig, &instantly, &setting.TemplateID, &setting.PmType); err != nil {
			return nil, err
		}
		setting.AllowConfig = allowConfig != 0
		setting.IsSendInstantly = instantly != 0
		settings = append(settings, setting)
	}
	return settings, rows.Err()
}

// GetSendSettingByCode はカテゴリコードで送信設定を1件取得する。
func (s *Store) GetSendSettingByCode(ctx context.Context, code string) (SendSetting, error) {
	var setting SendSetting
	var allowConfig, instantly int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, code, level, allow_config, is_send_instantly, COALESCE(template_id, 0), pm_type FROM send_settings WHERE code = ?",
		code,
	).Scan(&setting.ID, &setting.Code, &setting.Level, &allowConfig, &instantly, &setting.TemplateID, &setting.PmType)
	if err != nil {
		return SendSetting{}, err
	}
	setting.AllowConfig = allowConfig != 0
	setting.IsSendInstantly = instantly != 0
	return setting, nil
}

// InsertSendSetting は送信設定を挿入し、採番されたIDを返す。テストとシードで使用する。
func (s *Store) InsertSendSetting(ctx context.Context, setting SendSetting) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO send_settings (code, level, allow_config, is_send_instantly, template_id, pm_type) VALUES (?, ?, ?, ?, ?, ?)",
		setting.Code, string(setting.Level), boolToInt(setting.AllowConfig), boolToInt(setting.IsSendInstantly), setting.TemplateID, setting.PmType,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// SelectReceiveSettingsByUser は指定ユーザーの受信設定を全件取得する。
func (s *Store) SelectReceiveSettingsByUser(ctx context.Context, userID int64) ([]ReceiveSetting, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT send_setting_id, message_type, source_id, source_type, user_id FROM receive_settings WHERE user_id = ?",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var settings []ReceiveSetting
	for rows.Next() {
		var r ReceiveSetting
		if err := rows.Scan(&r.SendSettingID, &r.MessageType, &r.SourceID, &r.SourceType, &r.UserID); err != nil {
			return nil, err
		}
		settings = append(settings, r)
	}
	return settings, rows.Err()
}

// InsertReceiveSetting は受信設定1行を挿入し、影響行数を返す。
func (s *Store) InsertReceiveSetting(ctx context.Context, r ReceiveSetting) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO receive_settings (send_setting_id, message_type, source_id, source_type, user_id) VALUES (?, ?, ?, ?, ?)",
		r.SendSettingID, r.MessageType, r.SourceID, string(r.SourceType), r.UserID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteReceiveSetting は5属性が完全一致する受信設定を削除し、影響行数を返す。
func (s *Store) DeleteReceiveSetting(ctx context.Context, r ReceiveSetting) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM receive_settings WHERE send_setting_id = ? AND message_type = ? AND source_id = ? AND source_type = ? AND user_id = ?",
		r.SendSettingID, r.MessageType, r.SourceID, string(r.SourceType), r.UserID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountReceiveSetting は5属性が完全一致する受信設定の件数を返す。
func (s *Store) CountReceiveSetting(ctx context.Context, r ReceiveSetting) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM receive_settings WHERE send_setting_id = ? AND message_type = ? AND source_id = ? AND source_type = ? AND user_id = ?",
		r.SendSettingID, r.MessageType, r.SourceID, string(r.SourceType), r.UserID,
	).Scan(&count)
	return count, err
}

// DeleteReceiveSettingsByUser は指定ユーザーの受信設定を全スコープにわたって削除する。
func (s *Store) DeleteReceiveSettingsByUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM receive_settings WHERE user_id = ?", userID)
	return err
}

// DeleteReceiveSettingsScoped は指定スコープ実体に対するユーザーの受信設定を
// カテゴリを問わず削除する。
func (s *Store) DeleteReceiveSettingsScoped(ctx context.Context, userID int64, sourceType ScopeLevel, sourceID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM receive_settings WHERE user_id = ? AND source_type = ? AND source_id = ?",
		userID, string(sourceType), sourceID,
	)
	return err
}

// GetTemplateByID はテンプレートをIDで1件取得する。
func (s *Store) GetTemplateByID(ctx context.Context, id int64) (Template, error) {
	var t Template
	err := s.db.QueryRowContext(ctx,
		"SELECT id, code, title, content FROM templates WHERE id = ?",
		id,
	).Scan(&t.ID, &t.Code, &t.Title, &t.Content)
	if err != nil {
		return Template{}, err
	}
	return t, nil
}

// InsertTemplate はテンプレートを挿入し、採番されたIDを返す。テストとシードで使用する。
func (s *Store) InsertTemplate(ctx context.Context, t Template) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO templates (code, title, content) VALUES (?, ?, ?)",
		t.Code, t.Title, t.Content,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// BatchInsertSiteMsgRecords はメッセージレコードを1文の複数値INSERTで一括挿入する。
// 空のスライスは何もしない。
func (s *Store) BatchInsertSiteMsgRecords(ctx context.Context, records []SiteMsgRecord) error {
	if len(records) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO site_msg_records (id, user_id, title, content, send_by, type) VALUES ")
	args := make([]any, 0, len(records)*6)
	for i, r := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?)")
		args = append(args, r.ID, r.UserID, r.Title, r.Content, r.SendBy, r.Type)
	}

	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	return err
}

// ListSiteMsgRecordsByUser は指定ユーザーのメッセージレコードを新しい順に取得する。
func (s *Store) ListSiteMsgRecordsByUser(ctx context.Context, userID int64) ([]SiteMsgRecord, error) {
	return s.listSiteMsgRecords(ctx,
		"SELECT id, user_id, title, content, send_by, type, is_read, created_at FROM site_msg_records WHERE user_id = ? ORDER BY created_at DESC, id",
		userID,
	)
}

// ListUnreadSiteMsgRecords は指定ユーザーの未読メッセージレコードを新しい順に取得する。
func (s *Store) ListUnreadSiteMsgRecords(ctx context.Context, userID int64) ([]SiteMsgRecord, error) {
	return s.listSiteMsgRecords(ctx,
		"SELECT id, user_id, title, content, send_by, type, is_read, created_at FROM site_msg_records WHERE user_id = ? AND is_read = 0 ORDER BY created_at DESC, id",
		userID,
	)
}

// listSiteMsgRecords はメッセージレコード検索の共通処理。
func (s *Store) listSiteMsgRecords(ctx context.Context, query string, args ...any) ([]SiteMsgRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []SiteMsgRecord
	for rows.Next() {
		r, err := scanSiteMsgRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetSiteMsgRecordByID はメッセージレコードをIDで1件取得する。
func (s *Store) GetSiteMsgRecordByID(ctx context.Context, id string) (SiteMsgRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, title, content, send_by, type, is_read, created_at FROM site_msg_records WHERE id = ?",
		id,
	)
	return scanSiteMsgRecord(row.Scan)
}

// scanSiteMsgRecord は1行分のスキャン処理。
func scanSiteMsgRecord(scan func(...any) error) (SiteMsgRecord, error) {
	var r SiteMsgRecord
	var isRead int64
	if err := scan(&r.ID, &r.UserID, &r.Title, &r.Content, &r.SendBy, &r.Type, &isRead, &r.CreatedAt); err != nil {
		return SiteMsgRecord{}, err
	}
	r.IsRead = isRead != 0
	return r, nil
}

// CountUnread は指定ユーザーの未読メッセージ件数を返す。
func (s *Store) CountUnread(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM site_msg_records WHERE user_id = ? AND is_read = 0",
		userID,
	).Scan(&count)
	return count, err
}

// MarkAsRead は指定メッセージを既読にする。
func (s *Store) MarkAsRead(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE site_msg_records SET is_read = 1 WHERE id = ?", id)
	return err
}

// MarkAllAsRead は指定ユーザーの全メッセージを既読にする。
func (s *Store) MarkAllAsRead(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE site_msg_records SET is_read = 1 WHERE user_id = ?", userID)
	return err
}

// InsertSystemAnnouncement はお知らせを挿入し、影響行数を返す。
func (s *Store) InsertSystemAnnouncement(ctx context.Context, a SystemAnnouncement) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO system_announcements (id, title, content, send_date) VALUES (?, ?, ?, ?)",
		a.ID, a.Title, a.Content, a.SendDate,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// boolToInt はSQLiteのINTEGER列向けにboolを0/1へ変換する。
func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

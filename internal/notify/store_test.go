package notify

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// newTestStore はテスト用のインメモリSQLiteでStoreを構築する。
func newTestStore(t *testing.T) *Store {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	// :memory:は接続ごとに別のDBになるため接続数を1に固定する
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := initSchema(sqlDB); err != nil {
		t.Fatalf("スキーマ初期化に失敗: %v", err)
	}

	return NewStore(sqlDB)
}

// createTestSendSetting はテスト用の送信設定を挿入するヘルパー関数。
func createTestSendSetting(t *testing.T, store *Store, setting SendSetting) int64 {
	t.Helper()

	id, err := store.InsertSendSetting(context.Background(), setting)
	if err != nil {
		t.Fatalf("テスト用送信設定の作成に失敗: %v", err)
	}
	return id
}

// createTestTemplate はテスト用のテンプレートを挿入するヘルパー関数。
func createTestTemplate(t *testing.T, store *Store, code, title, content string) int64 {
	t.Helper()

	tmpl := Template{Code: code, Title: title}
	if content != "" {
		tmpl.Content = sql.NullString{String: content, Valid: true}
	}
	id, err := store.InsertTemplate(context.Background(), tmpl)
	if err != nil {
		t.Fatalf("テスト用テンプレートの作成に失敗: %v", err)
	}
	return id
}

func TestReceiveSettingCRUD(t *testing.T) {
	store := newTestStore(t)

	r := ReceiveSetting{
		SendSettingID: 1,
		MessageType:   "pm",
		SourceID:      5,
		SourceType:    ScopeOrganization,
		UserID:        42,
	}

	n, err := store.InsertReceiveSetting(context.Background(), r)
	if err != nil {
		t.Fatalf("受信設定の挿入に失敗: %v", err)
	}
	if n != 1 {
		t.Errorf("挿入の影響行数 = %d, want 1", n)
	}

	count, err := store.CountReceiveSetting(context.Background(), r)
	if err != nil {
		t.Fatalf("件数取得に失敗: %v", err)
	}
	if count != 1 {
		t.Errorf("件数 = %d, want 1", count)
	}

	settings, err := store.SelectReceiveSettingsByUser(context.Background(), 42)
	if err != nil {
		t.Fatalf("受信設定の取得に失敗: %v", err)
	}
	if len(settings) != 1 || settings[0] != r {
		t.Errorf("取得した受信設定が期待値と異なる: %+v", settings)
	}

	n, err = store.DeleteReceiveSetting(context.Background(), r)
	if err != nil {
		t.Fatalf("受信設定の削除に失敗: %v", err)
	}
	if n != 1 {
		t.Errorf("削除の影響行数 = %d, want 1", n)
	}

	// 存在しない行の削除は影響行数0
	n, err = store.DeleteReceiveSetting(context.Background(), r)
	if err != nil {
		t.Fatalf("2回目の削除でエラー: %v", err)
	}
	if n != 0 {
		t.Errorf("存在しない行の削除の影響行数 = %d, want 0", n)
	}
}

func TestReceiveSettingUniqueConstraint(t *testing.T) {
	store := newTestStore(t)

	r := ReceiveSetting{
		SendSettingID: 1,
		MessageType:   "pm",
		SourceID:      0,
		SourceType:    ScopeSite,
		UserID:        7,
	}

	if _, err := store.InsertReceiveSetting(context.Background(), r); err != nil {
		t.Fatalf("1回目の挿入に失敗: %v", err)
	}
	// 5属性が同一の行は一意インデックス違反になる
	if _, err := store.InsertReceiveSetting(context.Background(), r); err == nil {
		t.Error("同一行の重複挿入でエラーが返ること")
	}
}

func TestDeleteReceiveSettingsScoped(t *testing.T) {
	store := newTestStore(t)

	rows := []ReceiveSetting{
		{SendSettingID: 1, MessageType: "pm", SourceID: 5, SourceType: ScopeOrganization, UserID: 42},
		{SendSettingID: 2, MessageType: "pm", SourceID: 5, SourceType: ScopeOrganization, UserID: 42},
		{SendSettingID: 3, MessageType: "pm", SourceID: 9, SourceType: ScopeProject, UserID: 42},
		{SendSettingID: 1, MessageType: "pm", SourceID: 5, SourceType: ScopeOrganization, UserID: 100},
	}
	for _, r := range rows {
		if _, err := store.InsertReceiveSetting(context.Background(), r); err != nil {
			t.Fatalf("テストデータの挿入に失敗: %v", err)
		}
	}

	if err := store.DeleteReceiveSettingsScoped(context.Background(), 42, ScopeOrganization, 5); err != nil {
		t.Fatalf("スコープ指定削除に失敗: %v", err)
	}

	// ユーザー42の組織5の行のみ消え、他ユーザー・他スコープは残る
	remaining, err := store.SelectReceiveSettingsByUser(context.Background(), 42)
	if err != nil {
		t.Fatalf("受信設定の取得に失敗: %v", err)
	}
	if len(remaining) != 1 || remaining[0].SourceType != ScopeProject {
		t.Errorf("残存する受信設定が期待値と異なる: %+v", remaining)
	}

	other, err := store.SelectReceiveSettingsByUser(context.Background(), 100)
	if err != nil {
		t.Fatalf("他ユーザーの受信設定取得に失敗: %v", err)
	}
	if len(other) != 1 {
		t.Errorf("他ユーザーの受信設定が削除されている: %+v", other)
	}
}

func TestSelectSendSettings(t *testing.T) {
	store := newTestStore(t)

	createTestSendSetting(t, store, SendSetting{Code: "site-news", Level: ScopeSite, AllowConfig: true})
	createTestSendSetting(t, store, SendSetting{Code: "org-report", Level: ScopeOrganization, AllowConfig: true})
	createTestSendSetting(t, store, SendSetting{Code: "org-forced", Level: ScopeOrganization, AllowConfig: false})

	all, err := store.SelectSendSettings(context.Background(), "", false)
	if err != nil {
		t.Fatalf("送信設定の取得に失敗: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("全件数 = %d, want 3", len(all))
	}

	orgConfigurable, err := store.SelectSendSettings(context.Background(), ScopeOrganization, true)
	if err != nil {
		t.Fatalf("送信設定の取得に失敗: %v", err)
	}
	if len(orgConfigurable) != 1 || orgConfigurable[0].Code != "org-report" {
		t.Errorf("受信拒否可能な組織設定が期待値と異なる: %+v", orgConfigurable)
	}
}

func TestGetSendSettingByCode(t *testing.T) {
	store := newTestStore(t)

	tmplID := createTestTemplate(t, store, "welcome", "タイトル", "本文")
	createTestSendSetting(t, store, SendSetting{
		Code: "welcome", Level: ScopeSite, AllowConfig: true,
		IsSendInstantly: true, TemplateID: tmplID, PmType: "msg",
	})

	setting, err := store.GetSendSettingByCode(context.Background(), "welcome")
	if err != nil {
		t.Fatalf("送信設定の取得に失敗: %v", err)
	}
	if !setting.IsSendInstantly || setting.TemplateID != tmplID {
		t.Errorf("送信設定が期待値と異なる: %+v", setting)
	}

	if _, err := store.GetSendSettingByCode(context.Background(), "missing"); err == nil {
		t.Error("存在しないコードでエラーが返ること")
	}
}

func TestGetTemplateByID(t *testing.T) {
	store := newTestStore(t)

	id := createTestTemplate(t, store, "welcome", "ようこそ", "{{.realName}}さん")
	tmpl, err := store.GetTemplateByID(context.Background(), id)
	if err != nil {
		t.Fatalf("テンプレートの取得に失敗: %v", err)
	}
	if tmpl.Title != "ようこそ" || !tmpl.Content.Valid {
		t.Errorf("テンプレートが期待値と異なる: %+v", tmpl)
	}

	// content列はNULLを許容する
	nullID := createTestTemplate(t, store, "empty", "タイトルのみ", "")
	nullTmpl, err := store.GetTemplateByID(context.Background(), nullID)
	if err != nil {
		t.Fatalf("テンプレートの取得に失敗: %v", err)
	}
	if nullTmpl.Content.Valid {
		t.Errorf("本文なしテンプレートのContentはNULLであること: %+v", nullTmpl.Content)
	}
}

func TestBatchInsertSiteMsgRecords(t *testing.T) {
	store := newTestStore(t)

	records := make([]SiteMsgRecord, 0, 10)
	for i := 0; i < 10; i++ {
		records = append(records, SiteMsgRecord{
			ID:      uuid.New().String(),
			UserID:  42,
			Title:   fmt.Sprintf("タイトル%d", i),
			Content: "本文",
			SendBy:  1,
			Type:    "msg",
		})
	}

	if err := store.BatchInsertSiteMsgRecords(context.Background(), records); err != nil {
		t.Fatalf("一括挿入に失敗: %v", err)
	}

	list, err := store.ListSiteMsgRecordsByUser(context.Background(), 42)
	if err != nil {
		t.Fatalf("メッセージ一覧の取得に失敗: %v", err)
	}
	if len(list) != 10 {
		t.Errorf("メッセージ件数 = %d, want 10", len(list))
	}

	count, err := store.CountUnread(context.Background(), 42)
	if err != nil {
		t.Fatalf("未読件数の取得に失敗: %v", err)
	}
	if count != 10 {
		t.Errorf("未読件数 = %d, want 10", count)
	}

	// 空スライスは何もしない
	if err := store.BatchInsertSiteMsgRecords(context.Background(), nil); err != nil {
		t.Errorf("空スライスの一括挿入でエラー: %v", err)
	}
}

func TestMarkAsRead(t *testing.T) {
	store := newTestStore(t)

	id := uuid.New().String()
	records := []SiteMsgRecord{
		{ID: id, UserID: 42, Title: "a", Content: "b", Type: "msg"},
		{ID: uuid.New().String(), UserID: 42, Title: "c", Content: "d", Type: "msg"},
	}
	if err := store.BatchInsertSiteMsgRecords(context.Background(), records); err != nil {
		t.Fatalf("一括挿入に失敗: %v", err)
	}

	if err := store.MarkAsRead(context.Background(), id); err != nil {
		t.Fatalf("既読処理に失敗: %v", err)
	}

	count, err := store.CountUnread(context.Background(), 42)
	if err != nil {
		t.Fatalf("未読件数の取得に失敗: %v", err)
	}
	if count != 1 {
		t.Errorf("既読処理後の未読件数 = %d, want 1", count)
	}

	unread, err := store.ListUnreadSiteMsgRecords(context.Background(), 42)
	if err != nil {
		t.Fatalf("未読一覧の取得に失敗: %v", err)
	}
	if len(unread) != 1 || unread[0].Title != "c" {
		t.Errorf("未読一覧が期待値と異なる: %+v", unread)
	}

	if err := store.MarkAllAsRead(context.Background(), 42); err != nil {
		t.Fatalf("全既読処理に失敗: %v", err)
	}
	count, err = store.CountUnread(context.Background(), 42)
	if err != nil {
		t.Fatalf("未読件数の取得に失敗: %v", err)
	}
	if count != 0 {
		t.Errorf("全既読処理後の未読件数 = %d, want 0", count)
	}
}

func TestInsertSystemAnnouncement(t *testing.T) {
	store := newTestStore(t)

	n, err := store.InsertSystemAnnouncement(context.Background(), SystemAnnouncement{
		ID:       uuid.New().String(),
		Title:    "メンテナンスのお知らせ",
		Content:  "本日深夜にメンテナンスを行います。",
		SendDate: time.Now(),
	})
	if err != nil {
		t.Fatalf("お知らせの挿入に失敗: %v", err)
	}
	if n != 1 {
		t.Errorf("挿入の影響行数 = %d, want 1", n)
	}
}

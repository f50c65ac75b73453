package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/notifyhub/notify/pkg/directory"
)

var (
	// ErrInvalidScopeLevel は未定義のスコープレベルが指定されたことを表す。
	ErrInvalidScopeLevel = errors.New("不正なスコープレベルです")
	// ErrSettingConflict は受信設定の挿入・削除が期待と異なる行数に影響したことを表す。
	// 同時更新またはデータ破損の兆候であり、自動リトライせずそのまま伝播する。
	ErrSettingConflict = errors.New("受信設定の更新が競合しました")
)

// ReceiveSettingService はユーザーの受信設定を宣言された状態と整合させる。
// 読み取り→差分計算→書き込みは直列化されないため、同一ユーザーへの
// 並行更新の順序付けは呼び出し元の責任となる。失われた更新は
// 一意インデックス違反からErrSettingConflictとして検出される。
type ReceiveSettingService struct {
	// store は受信設定・送信設定の永続化層。
	store *Store
	// directory は所属組織・プロジェクトを取得するディレクトリサービスクライアント。
	directory *directory.Client
}

// NewReceiveSettingService は新しいReceiveSettingServiceを生成する。
func NewReceiveSettingService(store *Store, directoryClient *directory.Client) *ReceiveSettingService {
	return &ReceiveSettingService{
		store:     store,
		directory: directoryClient,
	}
}

// QueryByUserID は指定ユーザーの受信設定を全件返す。
func (s *ReceiveSettingService) QueryByUserID(ctx context.Context, userID int64) ([]ReceiveSetting, error) {
	settings, err := s.store.SelectReceiveSettingsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("受信設定の取得に失敗: %w", err)
	}
	return settings, nil
}

// Update はユーザーの受信設定全体をdesiredで置き換える。
// 保存済みの行との差分のみ挿入・削除する。desiredは完全な目標状態であり、
// 重複する論理行は1行に畳まれる。userIDが0の場合は何もしない。
// 各行のSourceTypeとSendSettingIDのスコープ整合性はここでは検証しない。
func (s *ReceiveSettingService) Update(ctx context.Context, userID int64, desired []ReceiveSetting) error {
	if userID == 0 {
		return nil
	}

	stored, err := s.store.SelectReceiveSettingsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("受信設定の取得に失敗: %w", err)
	}
	storedSet := make(map[ReceiveSetting]struct{}, len(stored))
	for _, r := range stored {
		storedSet[r] = struct{}{}
	}

	desiredSet := make(map[ReceiveSetting]struct{}, len(desired))
	for _, r := range desired {
		r.UserID = userID
		desiredSet[r] = struct{}{}
	}

	// desiredにあって保存されていない行を挿入する
	for r := range desiredSet {
		if _, ok := storedSet[r]; ok {
			continue
		}
		n, err := s.store.InsertReceiveSetting(ctx, r)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSettingConflict, err)
		}
		if n != 1 {
			return fmt.Errorf("%w: 挿入の影響行数が%d", ErrSettingConflict, n)
		}
	}

	// 保存されていてdesiredにない行を削除する
	for r := range storedSet {
		if _, ok := desiredSet[r]; ok {
			continue
		}
		n, err := s.store.DeleteReceiveSetting(ctx, r)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSettingConflict, err)
		}
		if n != 1 {
			return fmt.Errorf("%w: 削除の影響行数が%d", ErrSettingConflict, n)
		}
	}

	return nil
}

// UpdateScoped は1つのスコープ実体に対するカテゴリ受信の有効・無効を切り替える。
// disable=falseは該当スコープ実体の行をカテゴリを問わず削除する（再有効化は無条件）。
// disable=trueは受信拒否可能な送信設定ごとに行を冪等に挿入する。
// sourceIDの実在はディレクトリサービスに問い合わせない。存在しないIDは
// 動作に影響しない不活性な行になるだけである。
func (s *ReceiveSettingService) UpdateScoped(ctx context.Context, userID int64, level ScopeLevel, sourceID int64, messageType string, disable bool) error {
	if userID == 0 {
		return nil
	}
	if !level.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidScopeLevel, level)
	}

	if !disable {
		if err := s.store.DeleteReceiveSettingsScoped(ctx, userID, level, sourceID); err != nil {
			return fmt.Errorf("受信設定の削除に失敗: %w", err)
		}
		return nil
	}

	settings, err := s.store.SelectSendSettings(ctx, level, true)
	if err != nil {
		return fmt.Errorf("送信設定の取得に失敗: %w", err)
	}
	for _, setting := range settings {
		r := ReceiveSetting{
			SendSettingID: setting.ID,
			MessageType:   messageType,
			SourceID:      sourceID,
			SourceType:    level,
			UserID:        userID,
		}
		if err := s.insertIfAbsent(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// UpdateGlobal はユーザーが現在所属する全スコープに対してカテゴリ受信を一括で切り替える。
// disable=falseは該当ユーザーの行をスコープを問わず全削除する。
// disable=trueはディレクトリサービスから所属スナップショットを1度だけ取得し、
// 受信拒否可能な送信設定ごとにスコープレベルに応じた行を展開する。
// 展開は設定更新時のみ行われ、以後の所属変更には追随しない。
func (s *ReceiveSettingService) UpdateGlobal(ctx context.Context, userID int64, messageType string, disable bool) error {
	if userID == 0 {
		return nil
	}

	if !disable {
		if err := s.store.DeleteReceiveSettingsByUser(ctx, userID); err != nil {
			return fmt.Errorf("受信設定の削除に失敗: %w", err)
		}
		return nil
	}

	// 所属情報の取得失敗は中断する。代替の所属で補完はしない
	membership, err := s.directory.Membership(ctx, userID)
	if err != nil {
		return fmt.Errorf("所属情報の取得に失敗: %w", err)
	}

	settings, err := s.store.SelectSendSettings(ctx, "", true)
	if err != nil {
		return fmt.Errorf("送信設定の取得に失敗: %w", err)
	}

	for _, setting := range settings {
		switch setting.Level {
		case ScopeSite:
			if err := s.insertIfAbsent(ctx, suppressionRow(setting.ID, messageType, 0, ScopeSite, userID)); err != nil {
				return err
			}
		case ScopeOrganization:
			for _, orgID := range membership.OrganizationIDs {
				if err := s.insertIfAbsent(ctx, suppressionRow(setting.ID, messageType, orgID, ScopeOrganization, userID)); err != nil {
					return err
				}
			}
		case ScopeProject:
			for _, projectID := range membership.ProjectIDs {
				if err := s.insertIfAbsent(ctx, suppressionRow(setting.ID, messageType, projectID, ScopeProject, userID)); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("%w: 送信設定 %s のスコープが %s", ErrInvalidScopeLevel, setting.Code, setting.Level)
		}
	}
	return nil
}

// insertIfAbsent は同一の行が存在しない場合のみ受信設定を挿入する。
func (s *ReceiveSettingService) insertIfAbsent(ctx context.Context, r ReceiveSetting) error {
	count, err := s.store.CountReceiveSetting(ctx, r)
	if err != nil {
		return fmt.Errorf("受信設定の件数取得に失敗: %w", err)
	}
	if count > 0 {
		return nil
	}
	if _, err := s.store.InsertReceiveSetting(ctx, r); err != nil {
		return fmt.Errorf("受信設定の挿入に失敗: %w", err)
	}
	return nil
}

// suppressionRow は受信拒否行を構築する。
func suppressionRow(sendSettingID int64, messageType string, sourceID int64, sourceType ScopeLevel, userID int64) ReceiveSetting {
	return ReceiveSetting{
		SendSettingID: sendSettingID,
		MessageType:   messageType,
		SourceID:      sourceID,
		SourceType:    sourceType,
		UserID:        userID,
	}
}

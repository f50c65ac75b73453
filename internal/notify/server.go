package notify

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/notifyhub/notify/pkg/directory"
	"github.com/notifyhub/notify/pkg/middleware"
	"github.com/notifyhub/notify/pkg/push"
)

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sql.DB
	// store は設定・メッセージレコードの永続化層。
	store *Store
	// receiveService は受信設定の差分更新エンジン。
	receiveService *ReceiveSettingService
	// messageService はメッセージ配信パイプライン。
	messageService *MessageService
	// directoryClient はディレクトリサービスへの通信クライアント。
	directoryClient *directory.Client
	// hub はリアルタイム配信用のWebSocketハブ。
	hub *push.Hub
}

// NewServer は新しい通知サーバーを生成する。
// SQLiteデータベースの初期化とマイグレーション適用を行う。
func NewServer(port string) (*Server, error) {
	dbPath := os.Getenv("NOTIFY_DB")
	if dbPath == "" {
		dbPath = "/data/notify.db?_journal_mode=WAL&_busy_timeout=5000"
	}
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	directoryURL := os.Getenv("DIRECTORY_URL")
	if directoryURL == "" {
		directoryURL = "http://localhost:8081"
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		router.Use(middleware.CORS(strings.Split(origins, ",")))
	}

	store := NewStore(sqlDB)
	directoryClient := directory.New(directoryURL)
	hub := push.NewHub()

	s := &Server{
		router:          router,
		port:            port,
		db:              sqlDB,
		store:           store,
		receiveService:  NewReceiveSettingService(store, directoryClient),
		messageService:  NewMessageService(store, hub),
		directoryClient: directoryClient,
		hub:             hub,
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-key"
	}

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(jwtSecret))
	{
		settings := api.Group("/receive-settings")
		{
			// 自分の受信設定一覧取得
			settings.GET("", s.handleListReceiveSettings())
			// 自分の受信設定の全置換
			settings.PUT("", s.handleReplaceReceiveSettings())
			// 1スコープ実体に対する受信可否の切り替え
			settings.PUT("/scoped", s.handleUpdateScopedSetting())
			// 所属する全スコープに対する受信可否の一括切り替え
			settings.PUT("/global", s.handleUpdateGlobalSetting())
		}

		messages := api.Group("/messages")
		{
			// メッセージ一覧取得
			messages.GET("", s.handleListMessages())
			// 未読メッセージ一覧取得
			messages.GET("/unread", s.handleListUnread())
			// 未読件数取得
			messages.GET("/unread/count", s.handleCountUnread())
			// メッセージを既読にする
			messages.PUT("/:id/read", s.handleMarkAsRead())
			// 全メッセージを既読にする
			messages.PUT("/read-all", s.handleMarkAllAsRead())
		}

		// システムお知らせの作成
		api.POST("/announcements", s.handleCreateAnnouncement())

		// 内部API - 他サービスから呼び出される
		internal := api.Group("/internal")
		{
			internal.POST("/messages/send", s.handleSendMessage())
			internal.POST("/messages/raw", s.handleSendRaw())
		}
	}

	// リアルタイム配信用のWebSocket接続（トークンはクエリパラメータで渡す）
	s.router.GET("/ws", s.handleWebSocket(jwtSecret))

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notify"})
	})
}

// handleListReceiveSettings は認証済みユーザーの受信設定一覧を返すハンドラ。
func (s *Server) handleListReceiveSettings() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		settings, err := s.receiveService.QueryByUserID(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "受信設定の取得に失敗しました"})
			log.Printf("受信設定取得エラー: %v", err)
			return
		}
		if settings == nil {
			settings = []ReceiveSetting{}
		}

		c.JSON(http.StatusOK, settings)
	}
}

// handleReplaceReceiveSettings は認証済みユーザーの受信設定全体を置き換えるハンドラ。
// リクエストボディは差分ではなく目標状態の全量を指定する。
func (s *Server) handleReplaceReceiveSettings() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var desired []ReceiveSetting
		if err := c.ShouldBindJSON(&desired); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		if err := s.receiveService.Update(c.Request.Context(), userID, desired); err != nil {
			if errors.Is(err, ErrSettingConflict) {
				c.JSON(http.StatusConflict, gin.H{"error": "受信設定の更新が競合しました"})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "受信設定の更新に失敗しました"})
			}
			log.Printf("受信設定更新エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "受信設定を更新しました"})
	}
}

// scopedSettingRequest はスコープ単位の受信設定更新リクエストのJSON構造。
type scopedSettingRequest struct {
	// SourceType はスコープレベル（site / organization / project）。
	SourceType ScopeLevel `json:"source_type" binding:"required"`
	// SourceID はスコープ実体のID。サイトスコープでは0。
	SourceID int64 `json:"source_id"`
	// MessageType はメッセージ種別タグ。
	MessageType string `json:"message_type"`
	// Disable はtrueで受信拒否、falseで再有効化。
	Disable *bool `json:"disable" binding:"required"`
}

// handleUpdateScopedSetting は1スコープ実体に対する受信可否を切り替えるハンドラ。
func (s *Server) handleUpdateScopedSetting() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req scopedSettingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		err := s.receiveService.UpdateScoped(c.Request.Context(), userID, req.SourceType, req.SourceID, req.MessageType, *req.Disable)
		if err != nil {
			if errors.Is(err, ErrInvalidScopeLevel) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "スコープレベルが不正です"})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "受信設定の更新に失敗しました"})
			}
			log.Printf("受信設定更新エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "受信設定を更新しました"})
	}
}

// globalSettingRequest は全スコープ一括の受信設定更新リクエストのJSON構造。
type globalSettingRequest struct {
	// MessageType はメッセージ種別タグ。
	MessageType string `json:"message_type"`
	// Disable はtrueで受信拒否、falseで再有効化。
	Disable *bool `json:"disable" binding:"required"`
}

// handleUpdateGlobalSetting は所属する全スコープの受信可否を一括で切り替えるハンドラ。
func (s *Server) handleUpdateGlobalSetting() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req globalSettingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		err := s.receiveService.UpdateGlobal(c.Request.Context(), userID, req.MessageType, *req.Disable)
		if err != nil {
			if errors.Is(err, ErrInvalidScopeLevel) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "スコープレベルが不正です"})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "受信設定の更新に失敗しました"})
			}
			log.Printf("受信設定一括更新エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "受信設定を更新しました"})
	}
}

// siteMsgResponse はメッセージレコードのJSONレスポンス構造。
type siteMsgResponse struct {
	// ID はメッセージの一意識別子。
	ID string `json:"id"`
	// Title はメッセージのタイトル。
	Title string `json:"title"`
	// Content はメッセージの本文。
	Content string `json:"content"`
	// SendBy は送信者のユーザーID。
	SendBy int64 `json:"send_by"`
	// Type はメッセージ種別（msg / notice）。
	Type string `json:"type"`
	// IsRead はメッセージの既読状態。
	IsRead bool `json:"is_read"`
	// CreatedAt はメッセージの作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
}

// toSiteMsgResponses はDB行のスライスをJSONレスポンスのスライスに変換する。
func toSiteMsgResponses(records []SiteMsgRecord) []siteMsgResponse {
	responses := make([]siteMsgResponse, 0, len(records))
	for _, r := range records {
		responses = append(responses, siteMsgResponse{
			ID:        r.ID,
			Title:     r.Title,
			Content:   r.Content,
			SendBy:    r.SendBy,
			Type:      r.Type,
			IsRead:    r.IsRead,
			CreatedAt: r.CreatedAt.Format(time.RFC3339),
		})
	}
	return responses
}

// handleListMessages は認証済みユーザーのメッセージ一覧を返すハンドラ。
func (s *Server) handleListMessages() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		records, err := s.store.ListSiteMsgRecordsByUser(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "メッセージ一覧の取得に失敗しました"})
			log.Printf("メッセージ一覧取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toSiteMsgResponses(records))
	}
}

// handleListUnread は認証済みユーザーの未読メッセージ一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		records, err := s.store.ListUnreadSiteMsgRecords(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読メッセージ一覧の取得に失敗しました"})
			log.Printf("未読メッセージ一覧取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toSiteMsgResponses(records))
	}
}

// handleCountUnread は認証済みユーザーの未読件数を返すハンドラ。
func (s *Server) handleCountUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		count, err := s.store.CountUnread(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読件数の取得に失敗しました"})
			log.Printf("未読件数取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

// handleMarkAsRead は指定メッセージを既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		msgID := c.Param("id")
		if msgID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "メッセージIDが必要です"})
			return
		}

		// メッセージの存在確認と所有者チェック
		record, err := s.store.GetSiteMsgRecordByID(c.Request.Context(), msgID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "メッセージが見つかりません"})
			log.Printf("メッセージ取得エラー: %v", err)
			return
		}

		if record.UserID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "このメッセージを操作する権限がありません"})
			return
		}

		if err := s.store.MarkAsRead(c.Request.Context(), msgID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "メッセージの既読処理に失敗しました"})
			log.Printf("メッセージ既読処理エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "メッセージを既読にしました"})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全メッセージを既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		if err := s.store.MarkAllAsRead(c.Request.Context(), userID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全メッセージの既読処理に失敗しました"})
			log.Printf("全メッセージ既読処理エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "全メッセージを既読にしました"})
	}
}

// announcementRequest はお知らせ作成リクエストのJSON構造。
type announcementRequest struct {
	// Title はお知らせのタイトル。
	Title string `json:"title" binding:"required"`
	// Content はお知らせの本文。
	Content string `json:"content" binding:"required"`
}

// handleCreateAnnouncement はシステムお知らせを作成するハンドラ。
func (s *Server) handleCreateAnnouncement() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req announcementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		announcement := SystemAnnouncement{
			ID:       uuid.New().String(),
			Title:    req.Title,
			Content:  req.Content,
			SendDate: time.Now(),
		}

		n, err := s.store.InsertSystemAnnouncement(c.Request.Context(), announcement)
		if err != nil || n != 1 {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "お知らせの作成に失敗しました"})
			log.Printf("お知らせ作成エラー: rows=%d, err=%v", n, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{"id": announcement.ID, "message": "お知らせを作成しました"})
	}
}

// sendMessageRequest はメッセージ配信リクエストのJSON構造。
// 対象ユーザーは内部IDとメールアドレスの両方で指定できる。
type sendMessageRequest struct {
	// Code はメッセージカテゴリのコード。
	Code string `json:"code" binding:"required"`
	// Params はテンプレート描画用のパラメータ。
	Params map[string]any `json:"params"`
	// UserIDs は配信対象ユーザーの内部IDリスト。
	UserIDs []int64 `json:"user_ids"`
	// Emails は配信対象ユーザーのメールアドレスリスト。
	Emails []string `json:"emails"`
	// SendBy は送信者のユーザーID。
	SendBy int64 `json:"send_by"`
}

// handleSendMessage はサイト内メッセージを配信するハンドラ。
// 内部API（他サービスから呼び出される）。対象ユーザーをディレクトリサービスで
// 解決してから配信パイプラインに渡す。
func (s *Server) handleSendMessage() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		ctx := c.Request.Context()

		setting, err := s.store.GetSendSettingByCode(ctx, req.Code)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusNotFound, gin.H{"error": "送信設定が見つかりません"})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "送信設定の取得に失敗しました"})
			}
			log.Printf("送信設定取得エラー: %v", err)
			return
		}

		targets, err := s.resolveTargets(c, req.UserIDs, req.Emails)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "配信対象ユーザーの解決に失敗しました"})
			log.Printf("配信対象解決エラー: %v", err)
			return
		}

		if err := s.messageService.SendSiteMessage(ctx, req.Code, req.Params, targets, req.SendBy, setting); err != nil {
			switch {
			case errors.Is(err, ErrTemplateNotFound), errors.Is(err, ErrTemplateContentEmpty):
				c.JSON(http.StatusInternalServerError, gin.H{"error": "テンプレートの設定が不正です"})
			case errors.Is(err, ErrTemplateRender):
				c.JSON(http.StatusInternalServerError, gin.H{"error": "テンプレートの描画に失敗しました"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "メッセージの配信に失敗しました"})
			}
			log.Printf("メッセージ配信エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{"message": "メッセージを配信しました"})
	}
}

// resolveTargets はIDとメールアドレスの指定をディレクトリサービスでユーザーに解決する。
func (s *Server) resolveTargets(c *gin.Context, userIDs []int64, emails []string) ([]directory.User, error) {
	ctx := c.Request.Context()

	byIDs, err := s.directoryClient.UsersByIDs(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	byEmails, err := s.directoryClient.UsersByEmails(ctx, emails)
	if err != nil {
		return nil, err
	}
	return append(byIDs, byEmails...), nil
}

// sendRawRequest は生メッセージ配信リクエストのJSON構造。
type sendRawRequest struct {
	// Code はメッセージカテゴリのコード。
	Code string `json:"code" binding:"required"`
	// ID は配信キーに埋め込む任意のID。
	ID string `json:"id" binding:"required"`
	// Message は配信するメッセージ本体。
	Message string `json:"message"`
}

// handleSendRaw はテンプレートを経由しない生メッセージをプッシュするハンドラ。
// 内部API。永続化は行わない。
func (s *Server) handleSendRaw() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRawRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		s.messageService.SendRaw(req.Code, req.ID, req.Message)

		c.JSON(http.StatusOK, gin.H{"message": "メッセージを送信しました"})
	}
}

// handleWebSocket はWebSocket接続を受け付け、認証済みユーザーの
// サイト内メッセージ配信キーに登録するハンドラ。
// ブラウザのWebSocket APIはAuthorizationヘッダーを設定できないため、
// トークンはクエリパラメータで受け取る。
func (s *Server) handleWebSocket(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("token")
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "トークンが必要です"})
			return
		}

		claims := &middleware.JWTClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(jwtSecret), nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "トークンが無効です"})
			return
		}

		key := fmt.Sprintf("%s:msg:%s:%d", keyNamespace, msgTypeSiteMsg, claims.UserID)
		if err := s.hub.Register(c.Writer, c.Request, key); err != nil {
			log.Printf("WebSocket接続の確立に失敗: %v", err)
		}
	}
}

package push

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Payload はキー宛に送信されるメッセージの構造。
type Payload struct {
	// Type はメッセージの種別（例: "site-msg"）。
	Type string `json:"type"`
	// Key は配信先を識別するキー。
	Key string `json:"key"`
	// Data はメッセージ本体。未読件数や任意の文字列など。
	Data any `json:"data"`
}

// Sender はキー宛にペイロードを送信するインターフェース。
// 配信はベストエフォートであり、エラーを返さない。
type Sender interface {
	SendByKey(key string, payload Payload)
}

// Hub は配信キーごとのWebSocket接続を管理する。
type Hub struct {
	// mu はconnsへのアクセスを保護する。
	mu sync.Mutex
	// conns は配信キーから接続集合へのマップ。
	conns map[string]map[*websocket.Conn]struct{}
	// upgrader はHTTP接続をWebSocketにアップグレードする。
	upgrader websocket.Upgrader
}

// NewHub は新しいHubを生成する。
func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register はHTTPリクエストをWebSocketにアップグレードし、
// 指定キーの配信先として登録する。切断まではブロックする。
func (h *Hub) Register(w http.ResponseWriter, r *http.Request, key string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.conns[key] == nil {
		h.conns[key] = make(map[*websocket.Conn]struct{})
	}
	h.conns[key][conn] = struct{}{}
	h.mu.Unlock()

	// 切断検知のため読み取りループを回す。受信内容は使用しない。
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(key, conn)
	return nil
}

// SendByKey は指定キーに登録された全接続へペイロードを送信する。
// 送信に失敗した接続はログに記録して切り離す。
func (h *Hub) SendByKey(key string, payload Payload) {
	h.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(h.conns[key]))
	for conn := range h.conns[key] {
		targets = append(targets, conn)
	}
	h.mu.Unlock()

	for _, conn := range targets {
		if err := conn.WriteJSON(payload); err != nil {
			log.Printf("WebSocket送信に失敗（キー: %s）: %v", key, err)
			h.remove(key, conn)
		}
	}
}

// remove は接続を登録から外して閉じる。
func (h *Hub) remove(key string, conn *websocket.Conn) {
	h.mu.Lock()
	if set, ok := h.conns[key]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.conns, key)
		}
	}
	h.mu.Unlock()
	conn.Close()
}

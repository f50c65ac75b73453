// 通知サービスのエントリポイント。
// ユーザーごとの受信設定の管理と、テンプレート駆動の
// サイト内メッセージ配信を行う。
package main

import (
	"log"
	"os"

	"github.com/notifyhub/notify/internal/notify"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8087"
	}

	server, err := notify.NewServer(port)
	if err != nil {
		log.Fatalf("通知サーバーの初期化に失敗: %v", err)
	}

	log.Printf("通知サービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("通知サービスの起動に失敗: %v", err)
	}
}

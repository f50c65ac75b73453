// Package push はWebSocketによるリアルタイム通知配信を提供する。
//
// クライアントは配信キーを指定して接続し、サーバーはキー宛に
// ペイロードを送信する。配信はベストエフォートであり、
// 失敗しても呼び出し元にエラーは伝播しない。
package push

// Package directory はディレクトリサービス（iam）への通信クライアントを提供する。
//
// ユーザーの所属組織・プロジェクトの取得と、ID・メールアドレスによる
// ユーザー解決を行う。結果はキャッシュせず、呼び出しごとに取得する。
package directory

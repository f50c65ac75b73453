// Package notify は通知設定と配信サービスの内部実装を提供する。
//
// ユーザーごとの受信設定（オプトアウト行）をサイト・組織・プロジェクトの
// 3階層で整合させる差分更新エンジンと、テンプレート描画・一括永続化・
// リアルタイムプッシュを行う配信パイプラインを含む。
package notify

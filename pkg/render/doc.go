// Package render はメッセージテンプレートの描画機能を提供する。
//
// タイトルと本文を同一のパラメータマップで個別に描画する。
// 共有状態を持たない純粋関数のため、ユーザーごとの並行描画にも使用できる。
package render

package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Membership はユーザーの所属組織・プロジェクトのスナップショット。
// 全体無効化のたびに新しく取得し、永続化もキャッシュもしない。
type Membership struct {
	// OrganizationIDs は所属組織のIDリスト。
	OrganizationIDs []int64 `json:"organization_ids"`
	// ProjectIDs は所属プロジェクトのIDリスト。
	ProjectIDs []int64 `json:"project_ids"`
}

// User はディレクトリサービスが返すユーザー情報。
type User struct {
	// ID はユーザーの内部ID。メールアドレスのみで解決された場合は0。
	ID int64 `json:"id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// RealName はユーザーの表示名。
	RealName string `json:"real_name"`
	// LoginName はユーザーのログイン名。
	LoginName string `json:"login_name"`
}

// Client はディレクトリサービスへのHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
}

// New は新しいディレクトリサービスクライアントを生成する。
// baseURLには接続先のベースURL（例: "http://directory:8080"）を指定する。
func New(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: baseURL,
	}
}

// Membership は指定ユーザーの所属組織・プロジェクトを取得する。
func (c *Client) Membership(ctx context.Context, userID int64) (Membership, error) {
	var m Membership
	path := fmt.Sprintf("/v1/users/%d/organization_project", userID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &m); err != nil {
		return Membership{}, fmt.Errorf("所属情報の取得に失敗: %w", err)
	}
	return m, nil
}

// UsersByIDs は内部IDのリストからユーザー情報を解決する。
func (c *Client) UsersByIDs(ctx context.Context, ids []int64) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []User
	if err := c.doJSON(ctx, http.MethodPost, "/v1/users/ids", ids, &users); err != nil {
		return nil, fmt.Errorf("IDによるユーザー解決に失敗: %w", err)
	}
	return users, nil
}

// UsersByEmails はメールアドレスのリストからユーザー情報を解決する。
// ディレクトリに存在しないアドレスはID 0のユーザーとして返ることがある。
func (c *Client) UsersByEmails(ctx context.Context, emails []string) ([]User, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	var users []User
	if err := c.doJSON(ctx, http.MethodPost, "/v1/users/emails", emails, &users); err != nil {
		return nil, fmt.Errorf("メールアドレスによるユーザー解決に失敗: %w", err)
	}
	return users, nil
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTPエラー: status=%d, body=%s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

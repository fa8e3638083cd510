package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/yunzuo/syncdesk/internal/session"
	"github.com/yunzuo/syncdesk/internal/types"
)

// InitUploadResult 初始化分片上传的应答
type InitUploadResult struct {
	UploadID   string `json:"upload_id"`
	StorageKey string `json:"storage_key"`
	PartSize   int64  `json:"part_size"`
	TotalParts int    `json:"total_parts"`
}

// FileMetadata 远程文件元数据
type FileMetadata struct {
	Filesize int64  `json:"filesize"`
	SHA256   string `json:"sha256,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// InitUploadRequest 初始化上传的参数
type InitUploadRequest struct {
	GroupCode  string `json:"group_code"`
	FolderType string `json:"asset_type"`
	RelPath    string `json:"rel_path"`
	Filename   string `json:"filename"`
	Filesize   int64  `json:"filesize"`
	PartSize   int64  `json:"part_size"`
}

// API 远程传输接口契约。实现必须携带 bearer 凭证，
// 凭证被拒绝时返回 auth_expired 分类错误，与瞬时网络错误区分。
type API interface {
	InitUpload(ctx context.Context, req InitUploadRequest) (*InitUploadResult, error)
	UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error
	CompleteUpload(ctx context.Context, uploadID string) error
	AbortUpload(ctx context.Context, uploadID string) error
	FetchMetadata(ctx context.Context, remotePath string) (*FileMetadata, error)
	DownloadPart(ctx context.Context, remotePath string, offset, length int64) ([]byte, error)
	ListNodes(ctx context.Context) ([]types.AccelerationNode, error)
	ListRemoteFiles(ctx context.Context, groupCode, folderType string) ([]types.RemoteFile, error)
}

// apiResponse 远程API统一应答包装
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client API 的 HTTP 实现
type Client struct {
	serverURL string
	cfg       func() types.SyncConfig
	session   *session.Store
	http      *http.Client
}

// NewClient 创建远程API客户端。cfg 每次调用时取最新同步配置，
// 用户切换加速节点后，后续请求立即走新端点。
func NewClient(serverURL string, cfg func() types.SyncConfig, sess *session.Store) *Client {
	return &Client{
		serverURL: serverURL,
		cfg:       cfg,
		session:   sess,
		http: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

func (c *Client) endpoint() string {
	return ResolveEndpoint(c.serverURL, c.cfg())
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.session.Expired() {
		return nil, NewError(KindAuthExpired, fmt.Errorf("本地凭证已过期"))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint()+path, body)
	if err != nil {
		return nil, NewError(KindFatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.session.Token())
	return req, nil
}

// doJSON 发送请求并解出统一应答包装
func (c *Client) doJSON(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyNetError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return classifyHTTPStatus(resp.StatusCode, string(body))
	}

	var wrapper apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return NewError(KindTransient, fmt.Errorf("解析应答失败: %w", err))
	}
	if !wrapper.Success {
		msg := "远程API返回失败"
		if wrapper.Error != nil && wrapper.Error.Message != "" {
			msg = wrapper.Error.Message
		}
		return NewError(KindFatal, fmt.Errorf("%s", msg))
	}
	if out != nil && len(wrapper.Data) > 0 {
		if err := json.Unmarshal(wrapper.Data, out); err != nil {
			return NewError(KindFatal, fmt.Errorf("解析应答数据失败: %w", err))
		}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return NewError(KindFatal, err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

// InitUpload 初始化分片上传，返回传输句柄
func (c *Client) InitUpload(ctx context.Context, r InitUploadRequest) (*InitUploadResult, error) {
	body := map[string]interface{}{
		"action":     "init",
		"group_code": r.GroupCode,
		"asset_type": r.FolderType,
		"rel_path":   r.RelPath,
		"filename":   r.Filename,
		"filesize":   r.Filesize,
		"part_size":  r.PartSize,
	}
	var result InitUploadResult
	if err := c.postJSON(ctx, "/api/desktop_chunk_upload.php", body, &result); err != nil {
		return nil, err
	}
	if result.UploadID == "" {
		return nil, NewError(KindFatal, fmt.Errorf("初始化上传未返回 upload_id"))
	}
	return &result, nil
}

// UploadPart 上传单个分片（multipart 表单，与远程API约定一致）
func (c *Client) UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("upload_id", uploadID); err != nil {
		return NewError(KindFatal, err)
	}
	if err := writer.WriteField("part_number", fmt.Sprintf("%d", partNumber)); err != nil {
		return NewError(KindFatal, err)
	}
	part, err := writer.CreateFormFile("chunk", "chunk")
	if err != nil {
		return NewError(KindFatal, err)
	}
	if _, err := part.Write(data); err != nil {
		return NewError(KindFatal, err)
	}
	if err := writer.Close(); err != nil {
		return NewError(KindFatal, err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/desktop_chunk_upload.php", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return c.doJSON(req, nil)
}

// CompleteUpload 所有分片确认后提交上传
func (c *Client) CompleteUpload(ctx context.Context, uploadID string) error {
	body := map[string]interface{}{"action": "complete", "upload_id": uploadID}
	return c.postJSON(ctx, "/api/desktop_chunk_upload.php", body, nil)
}

// AbortUpload 取消上传，丢弃远端已接收的分片
func (c *Client) AbortUpload(ctx context.Context, uploadID string) error {
	body := map[string]interface{}{"action": "abort", "upload_id": uploadID}
	return c.postJSON(ctx, "/api/desktop_chunk_upload.php", body, nil)
}

// FetchMetadata 获取远程文件元数据（大小、校验和）
func (c *Client) FetchMetadata(ctx context.Context, remotePath string) (*FileMetadata, error) {
	body := map[string]interface{}{"path": remotePath}
	var meta FileMetadata
	if err := c.postJSON(ctx, "/api/desktop_file_meta.php", body, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// DownloadPart 按字节范围下载分片
func (c *Client) DownloadPart(ctx context.Context, remotePath string, offset, length int64) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet,
		"/api/desktop_download.php?path="+urlEscape(remotePath), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyNetError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, classifyHTTPStatus(resp.StatusCode, string(body))
	}
	// 200 而不是 206 意味着服务器忽略了 Range、返回了整个文件。
	// offset 0 时开头 length 字节正好是要的分片，其余情况数据会错位。
	if resp.StatusCode == http.StatusOK && offset > 0 {
		return nil, NewError(KindFatal,
			fmt.Errorf("服务器不支持Range请求: HTTP 200 at offset %d", offset))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, length))
	if err != nil {
		return nil, classifyNetError(err)
	}
	if int64(len(data)) != length {
		return nil, NewError(KindTransient,
			fmt.Errorf("分片长度不符: got %d want %d", len(data), length))
	}
	return data, nil
}

// ListNodes 拉取加速节点列表，只用于填充设置界面
func (c *Client) ListNodes(ctx context.Context) ([]types.AccelerationNode, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/s3_acceleration_nodes.php?action=list", nil)
	if err != nil {
		return nil, err
	}
	var nodes []types.AccelerationNode
	if err := c.doJSON(req, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// ListRemoteFiles 列出某个群某类资源的远程文件
func (c *Client) ListRemoteFiles(ctx context.Context, groupCode, folderType string) ([]types.RemoteFile, error) {
	req, err := c.newRequest(ctx, http.MethodGet,
		fmt.Sprintf("/api/desktop_project_files.php?group_code=%s&asset_type=%s",
			urlEscape(groupCode), urlEscape(folderType)), nil)
	if err != nil {
		return nil, err
	}
	var files []types.RemoteFile
	if err := c.doJSON(req, &files); err != nil {
		return nil, err
	}
	return files, nil
}

func urlEscape(s string) string {
	return url.QueryEscape(s)
}

// Package main 是命令行分片上传客户端的入口点。
// 它按服务端确认的分片大小切分本地文件逐片上传，单片超时由
// 自适应节流控制器根据近期成败与吞吐历史动态调整。
package main

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"klipz-media-go/pkg/log"
	"klipz-media-go/pkg/pacing"
)

// 单片上传的重试上限与收尾的缺片补传轮数。
const (
	maxChunkAttempts  = 5
	maxFinalizeRounds = 3
)

type sessionInfo struct {
	Token       string
	ChunkSize   int64
	TotalChunks int
}

// envelope 对应服务端统一的 code/message/data 响应结构。
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type uploader struct {
	serverURL string
	authToken string
	client    *http.Client
	pacer     *pacing.Controller
}

func main() {
	var (
		serverURL = flag.String("server", "http://127.0.0.1:8080", "服务端地址")
		authToken = flag.String("token", "", "访问令牌 (JWT)")
		filePath  = flag.String("file", "", "要上传的文件路径")
		mimeType  = flag.String("mime", "application/octet-stream", "文件的 MIME 类型")
		chunkPref = flag.Int64("chunk-size", 0, "期望的分片大小（字节），0 表示交由服务端决定")
	)
	flag.Parse()

	log.Init("info", "console", "")
	defer log.Sync()

	if *filePath == "" || *authToken == "" {
		flag.Usage()
		os.Exit(2)
	}

	u := &uploader{
		serverURL: *serverURL,
		authToken: *authToken,
		client:    &http.Client{},
		// 初始 30s，网络好时衰减到最低 5s，连续失败时放大到最多 120s
		pacer: pacing.New(30*time.Second, 5*time.Second, 120*time.Second),
	}

	if err := u.run(*filePath, *mimeType, *chunkPref); err != nil {
		log.Fatal("上传失败", err)
	}
}

func (u *uploader) run(filePath, mimeType string, chunkPref int64) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	session, err := u.createSession(filepath.Base(filePath), mimeType, stat.Size(), chunkPref)
	if err != nil {
		return fmt.Errorf("创建上传会话失败: %w", err)
	}
	log.Infof("会话已创建。token: %s, 分片: %d x %d", session.Token, session.TotalChunks, session.ChunkSize)

	for idx := 0; idx < session.TotalChunks; idx++ {
		if err := u.uploadChunkWithRetry(f, session, stat.Size(), idx); err != nil {
			return err
		}
	}

	// 收尾；落空的分片（如并发重试竞态）按服务端报告的缺失列表补传
	for round := 0; round < maxFinalizeRounds; round++ {
		missing, err := u.finalize(session.Token)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			log.Infof("上传完成。token: %s, 网络质量: %s", session.Token, u.pacer.Quality())
			return nil
		}
		log.Warnf("收尾被拒绝，补传 %d 个缺失分片", len(missing))
		for _, idx := range missing {
			if err := u.uploadChunkWithRetry(f, session, stat.Size(), idx); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("多轮补传后仍无法收尾。token: %s", session.Token)
}

// createSession 建立上传会话并拿到服务端确认的分片几何。
func (u *uploader) createSession(fileName, mimeType string, totalSize, chunkPref int64) (sessionInfo, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"fileName":  fileName,
		"mimeType":  mimeType,
		"totalSize": totalSize,
		"chunkSize": chunkPref,
	})
	req, err := http.NewRequest(http.MethodPost, u.serverURL+"/api/v1/upload/session", bytes.NewReader(body))
	if err != nil {
		return sessionInfo{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+u.authToken)

	env, err := u.do(req)
	if err != nil {
		return sessionInfo{}, err
	}
	var data struct {
		SessionToken string `json:"sessionToken"`
		ChunkSize    int64  `json:"chunkSize"`
		TotalChunks  int    `json:"totalChunks"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return sessionInfo{}, err
	}
	return sessionInfo{Token: data.SessionToken, ChunkSize: data.ChunkSize, TotalChunks: data.TotalChunks}, nil
}

// uploadChunkWithRetry 上传单个分片，失败时按节流控制器的建议退避重试。
func (u *uploader) uploadChunkWithRetry(f *os.File, session sessionInfo, totalSize int64, idx int) error {
	offset := int64(idx) * session.ChunkSize
	length := session.ChunkSize
	if rem := totalSize - offset; rem < length {
		length = rem
	}
	payload := make([]byte, length)
	if _, err := f.ReadAt(payload, offset); err != nil {
		return fmt.Errorf("读取分片 %d 失败: %w", idx, err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxChunkAttempts; attempt++ {
		started := time.Now()
		err := u.uploadChunk(session.Token, idx, payload)
		elapsed := time.Since(started)
		if err == nil {
			u.pacer.RecordSuccess(length, elapsed)
			return nil
		}
		lastErr = err
		u.pacer.RecordFailure()
		delay := retryDelay(u.pacer.Quality())
		log.Warnf("分片 %d 上传失败 (第 %d/%d 次), %s 后重试, 超时: %s, error: %v",
			idx, attempt, maxChunkAttempts, delay, u.pacer.Timeout(), err)
		time.Sleep(delay)
	}
	return fmt.Errorf("分片 %d 重试耗尽: %w", idx, lastErr)
}

// uploadChunk 以 multipart 表单发送一个分片，超时取自节流控制器。
func (u *uploader) uploadChunk(token string, idx int, payload []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("sessionToken", token)
	_ = w.WriteField("chunkIndex", strconv.Itoa(idx))
	sum := md5.Sum(payload)
	_ = w.WriteField("checksum", hex.EncodeToString(sum[:]))
	part, err := w.CreateFormFile("file", fmt.Sprintf("chunk-%d", idx))
	if err != nil {
		return err
	}
	if _, err := part.Write(payload); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), u.pacer.Timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		u.serverURL+"/api/v1/upload/chunk", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+u.authToken)

	_, err = u.do(req)
	return err
}

// finalize 请求收尾；分片不全时返回服务端报告的缺失序号列表。
func (u *uploader) finalize(token string) ([]int, error) {
	body, _ := json.Marshal(map[string]string{"sessionToken": token})
	req, err := http.NewRequest(http.MethodPost, u.serverURL+"/api/v1/upload/finalize", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+u.authToken)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusConflict {
		var conflict struct {
			MissingChunks []int `json:"missingChunks"`
			MissingCount  int   `json:"missingCount"`
		}
		if err := json.Unmarshal(raw, &conflict); err != nil {
			return nil, err
		}
		if len(conflict.MissingChunks) > 0 {
			return conflict.MissingChunks, nil
		}
		return nil, fmt.Errorf("收尾冲突: %s", string(raw))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("收尾失败: HTTP %d: %s", resp.StatusCode, string(raw))
	}
	return nil, nil
}

// do 执行请求并解出统一响应结构，非 2xx 一律视为错误。
func (u *uploader) do(req *http.Request) (envelope, error) {
	resp, err := u.client.Do(req)
	if err != nil {
		return envelope{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return envelope{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(raw))
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, err
	}
	return env, nil
}

// retryDelay 把网络质量分级换算为重试前的等待时长。
func retryDelay(quality pacing.Quality) time.Duration {
	switch quality {
	case pacing.QualityGood:
		return time.Second
	case pacing.QualityFair:
		return 3 * time.Second
	default:
		return 5 * time.Second
	}
}

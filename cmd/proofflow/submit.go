package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BaSui01/proofflow/api"
	"github.com/BaSui01/proofflow/api/handlers"
	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/internal/tlsutil"
	"github.com/BaSui01/proofflow/taskdb"
)

// =============================================================================
// 📤 submit 命令：通过 REST API 提交作业
// =============================================================================

// restClient REST API 的最小客户端
type restClient struct {
	baseURL string
	http    *http.Client
	apiKey  string
	token   string
}

// envelope 统一响应结构，Data 延迟解码
type envelope struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *handlers.ErrorInfo `json:"error"`
}

func newRESTClient(baseURL, apiKey, token string, timeout time.Duration) *restClient {
	return &restClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    tlsutil.SecureHTTPClient(timeout),
		apiKey:  apiKey,
		token:   token,
	}
}

// do 发送请求；out 非 nil 时把 data 解码进去
func (c *restClient) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: status %d: decode response: %w", method, path, resp.StatusCode, err)
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("%s %s: %s: %s", method, path, env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// UploadImage 上传 ELF，镜像 ID 为其 SHA-256
func (c *restClient) UploadImage(ctx context.Context, elf []byte) (string, error) {
	var res api.UploadResponse
	imageID := artifact.ImageID(elf)
	if err := c.do(ctx, http.MethodPost, "/v1/images/"+imageID, "application/octet-stream", elf, &res); err != nil {
		return "", err
	}
	return res.ID, nil
}

// UploadInput 上传输入并返回服务端分配的 ID
func (c *restClient) UploadInput(ctx context.Context, input []byte) (string, error) {
	var res api.UploadResponse
	if err := c.do(ctx, http.MethodPost, "/v1/inputs", "application/octet-stream", input, &res); err != nil {
		return "", err
	}
	return res.ID, nil
}

// SubmitJob 提交作业
func (c *restClient) SubmitJob(ctx context.Context, req api.SubmitJobRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	var res api.SubmitJobResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", "application/json", body, &res); err != nil {
		return "", err
	}
	return res.JobID, nil
}

// GetJob 查询作业状态
func (c *restClient) GetJob(ctx context.Context, jobID string) (*api.JobStatusResponse, error) {
	var res api.JobStatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID, "", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetReceipt 下载收据原始字节
func (c *restClient) GetReceipt(ctx context.Context, receiptID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/receipts/"+receiptID, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get receipt %s: status %d", receiptID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// WaitJob 轮询直到作业结束或 ctx 取消
func (c *restClient) WaitJob(ctx context.Context, jobID string, interval time.Duration) (*api.JobStatusResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		switch taskdb.JobStatus(status.Status) {
		case taskdb.JobDone:
			return status, nil
		case taskdb.JobFailed:
			return status, fmt.Errorf("job %s failed: %s", jobID, status.Error)
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// stringList 可重复的字符串 flag
type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func runSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "REST API address")
	imagePath := fs.String("image", "", "Path to the guest ELF")
	inputPath := fs.String("input", "", "Path to the input file")
	compress := fs.String("compress", "none", "Compression: none | groth16")
	executeOnly := fs.Bool("execute-only", false, "Execute without proving")
	apiKey := fs.String("api-key", os.Getenv("PROOFFLOW_API_KEY"), "API key")
	token := fs.String("token", os.Getenv("PROOFFLOW_TOKEN"), "JWT bearer token")
	wait := fs.Bool("wait", false, "Wait for the job to finish")
	poll := fs.Duration("poll", 2*time.Second, "Status poll interval with --wait")
	timeout := fs.Duration("timeout", 30*time.Minute, "Overall timeout")
	out := fs.String("out", "", "Write the receipt to this file with --wait")
	var assumptions stringList
	fs.Var(&assumptions, "assumption", "Assumption receipt id (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *imagePath == "" || *inputPath == "" {
		return errors.New("--image and --input are required")
	}

	elf, err := os.ReadFile(*imagePath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	input, err := os.ReadFile(*inputPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client := newRESTClient(*addr, *apiKey, *token, time.Minute)
	jobID, err := submitFiles(ctx, client, elf, input, api.SubmitJobRequest{
		Assumptions: assumptions,
		ExecuteOnly: *executeOnly,
		Compress:    *compress,
	})
	if err != nil {
		return err
	}
	fmt.Println(jobID)

	if !*wait {
		return nil
	}
	status, err := client.WaitJob(ctx, jobID, *poll)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "job %s: %s\n", jobID, status.Status)
	if *out == "" || status.ReceiptID == "" {
		return nil
	}
	receipt, err := client.GetReceipt(ctx, status.ReceiptID)
	if err != nil {
		return err
	}
	return os.WriteFile(*out, receipt, 0o644)
}

// submitFiles 上传镜像与输入后提交作业，返回作业 ID
func submitFiles(ctx context.Context, client *restClient, elf, input []byte, req api.SubmitJobRequest) (string, error) {
	imageID, err := client.UploadImage(ctx, elf)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	inputID, err := client.UploadInput(ctx, input)
	if err != nil {
		return "", fmt.Errorf("upload input: %w", err)
	}
	req.Image, req.Input = imageID, inputID
	jobID, err := client.SubmitJob(ctx, req)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	return jobID, nil
}

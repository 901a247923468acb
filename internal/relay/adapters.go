package relay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wayfind-oss/relaygate/internal/account"
)

// adapters maps a platform to the Adapter that knows how to reach it.
// Anthropic's Messages API, OpenAI's Chat Completions API and Gemini's
// generateContent are all bearer-token HTTPS endpoints, so all three use
// the one bearerAdapter type, configured with their own host and paths;
// Bedrock instead signs with AWS SigV4 and is kept as its own type.
var adapters = map[account.Platform]Adapter{
	account.PlatformClaude:  &bearerAdapter{platform: "claude", host: "https://api.anthropic.com", nonStreamPath: "/v1/messages", streamPath: "/v1/messages", userAgent: "relaygate"},
	account.PlatformOpenAI:  &bearerAdapter{platform: "openai", host: "https://api.openai.com", nonStreamPath: "/v1/chat/completions", streamPath: "/v1/chat/completions", userAgent: "relaygate"},
	account.PlatformGemini:  &bearerAdapter{platform: "gemini", host: "https://generativelanguage.googleapis.com", nonStreamPath: "/v1beta/models/%s:generateContent", streamPath: "/v1beta/models/%s:streamGenerateContent?alt=sse", userAgent: "relaygate", pathTakesModel: true},
	account.PlatformBedrock: &bedrockAdapter{client: &http.Client{}},
}

// bearerAdapter forwards an opaque body to a bearer-token HTTPS API.
// It never decodes the body; it only rewrites auth and drops the
// hop-by-hop headers before forwarding the request verbatim.
type bearerAdapter struct {
	platform       string
	host           string
	nonStreamPath  string
	streamPath     string
	userAgent      string
	pathTakesModel bool
	client         *http.Client
}

func (a *bearerAdapter) httpClient() *http.Client {
	if a.client != nil {
		return a.client
	}
	return http.DefaultClient
}

func (a *bearerAdapter) Endpoint(acc *account.Account, model string, stream bool) string {
	path := a.nonStreamPath
	if stream {
		path = a.streamPath
	}
	if a.pathTakesModel {
		path = fmt.Sprintf(path, model)
	}
	return a.host + path
}

func (a *bearerAdapter) Do(ctx context.Context, req UpstreamRequest) (*UpstreamResponse, error) {
	endpoint := a.Endpoint(req.Account, req.Model, req.Stream)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("relay: %s: build request: %w", a.platform, err)
	}
	for k, v := range req.Headers {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", a.userAgent)
	a.setAuth(httpReq, req)

	resp, err := a.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("relay: %s: %w", a.platform, err)
	}

	if req.Stream {
		return &UpstreamResponse{StatusCode: resp.StatusCode, Headers: resp.Header, BodyStream: resp.Body}, nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("relay: %s: read response: %w", a.platform, err)
	}
	return &UpstreamResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

func (a *bearerAdapter) setAuth(httpReq *http.Request, req UpstreamRequest) {
	switch a.platform {
	case "claude":
		httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
		httpReq.Header.Set("anthropic-version", "2023-06-01")
	case "gemini":
		// Gemini accepts the API key as a query param or a bearer token;
		// the relay always has an OAuth-style access token here, so it
		// uses the bearer form.
		httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	default:
		httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	}
}

func (a *bearerAdapter) RetryAfter(resp *UpstreamResponse) (time.Duration, bool) {
	parser, ok := retryAfterParsers[a.platform]
	if !ok {
		return 0, false
	}
	return parser.Parse(resp.StatusCode, resp.Headers, resp.Body)
}

// bedrockAdapter signs requests with AWS SigV4. The relay stores a
// colon-joined "accessKeyID:secretAccessKey[:sessionToken]" triple in
// the account's access-token slot rather than a bearer token, since
// Bedrock has no OAuth bearer concept.
type bedrockAdapter struct {
	client *http.Client
}

const (
	bedrockService   = "bedrock"
	bedrockAlgorithm = "AWS4-HMAC-SHA256"
)

func (a *bedrockAdapter) Endpoint(acc *account.Account, model string, stream bool) string {
	region := acc.Credentials.Region
	if region == "" {
		region = "us-east-1"
	}
	action := "converse"
	if stream {
		action = "converse-stream"
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/model/%s/%s", region, model, action)
}

func (a *bedrockAdapter) Do(ctx context.Context, req UpstreamRequest) (*UpstreamResponse, error) {
	region := req.Account.Credentials.Region
	if region == "" {
		region = "us-east-1"
	}
	accessKey, secretKey, sessionToken := splitBedrockCredential(req.AccessToken)

	endpoint := a.Endpoint(req.Account, req.Model, req.Stream)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("relay: bedrock: build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Content-Type", "application/json")
	signBedrockRequest(httpReq, req.Body, accessKey, secretKey, sessionToken, region)

	client := a.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("relay: bedrock: %w", err)
	}

	if req.Stream {
		return &UpstreamResponse{StatusCode: resp.StatusCode, Headers: resp.Header, BodyStream: resp.Body}, nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("relay: bedrock: read response: %w", err)
	}
	return &UpstreamResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

func (a *bedrockAdapter) RetryAfter(resp *UpstreamResponse) (time.Duration, bool) {
	return retryAfterParsers["bedrock"].Parse(resp.StatusCode, resp.Headers, resp.Body)
}

func splitBedrockCredential(token string) (accessKey, secretKey, sessionToken string) {
	parts := strings.SplitN(token, ":", 3)
	accessKey = parts[0]
	if len(parts) > 1 {
		secretKey = parts[1]
	}
	if len(parts) > 2 {
		sessionToken = parts[2]
	}
	return
}

func signBedrockRequest(req *http.Request, payload []byte, accessKey, secretKey, sessionToken, region string) {
	now := time.Now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	req.Header.Set("X-Amz-Date", amzdate)
	if sessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", sessionToken)
	}

	host := req.URL.Host
	req.Header.Set("Host", host)

	signedHeaders := "content-type;host;x-amz-date"
	canonicalHeaders := fmt.Sprintf("content-type:%s\nhost:%s\nx-amz-date:%s\n",
		req.Header.Get("Content-Type"), host, amzdate)
	if sessionToken != "" {
		signedHeaders = "content-type;host;x-amz-date;x-amz-security-token"
		canonicalHeaders = fmt.Sprintf("content-type:%s\nhost:%s\nx-amz-date:%s\nx-amz-security-token:%s\n",
			req.Header.Get("Content-Type"), host, amzdate, sessionToken)
	}

	canonicalURI := req.URL.Path
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	payloadHash := sha256Hex(payload)
	canonicalRequest := strings.Join([]string{
		req.Method, canonicalURI, req.URL.RawQuery, canonicalHeaders, signedHeaders, payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, region, bedrockService)
	stringToSign := strings.Join([]string{
		bedrockAlgorithm, amzdate, credentialScope, sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveBedrockSigningKey(secretKey, datestamp, region, bedrockService)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		bedrockAlgorithm, accessKey, credentialScope, signedHeaders, signature))
}

func deriveBedrockSigningKey(secretKey, date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

package ford

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// 默认服务地址
const (
	DefaultGuardHost           = "https://api.mps.ford.com/api"
	DefaultAutonomicHost       = "https://api.autonomic.ai/v1"
	DefaultAutonomicAccounts   = "https://accounts.autonomic.ai/v1"
	DefaultPushHost            = "wss://api.autonomic.ai/v1beta"
	fordTenant                 = "4566605f-43a7-400a-946e-89cc9fdb0bd7"
	fordB2CClientID            = "09852200-05fd-41f6-8c21-d36d3497dc64"
	RedirectURI                = "fordapp://userauthorized"
	redirectCodePrefix         = RedirectURI + "/?code="
	autonomicClientID          = "fordpass-prod"
	autonomicSubjectIssuer     = "fordpass"
	tokenExchangeGrantType     = "urn:ietf:params:oauth:grant-type:token-exchange"
	tokenExchangeSubjectTypJWT = "urn:ietf:params:oauth:token-type:jwt"
)

// Hosts 服务端点，测试时可替换
type Hosts struct {
	Guard             string
	Autonomic         string
	AutonomicAccounts string
	Push              string
	// Login 为空时使用区域的 locale_url
	Login string
}

// DefaultHosts 生产环境端点
func DefaultHosts() Hosts {
	return Hosts{
		Guard:             DefaultGuardHost,
		Autonomic:         DefaultAutonomicHost,
		AutonomicAccounts: DefaultAutonomicAccounts,
		Push:              DefaultPushHost,
	}
}

// Token OAuth 令牌响应（CAT 与 Autonomic 共用）
type Token struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// AuthClient Ford 认证客户端
type AuthClient struct {
	logger     *zap.Logger
	httpClient *http.Client
	region     Region
	hosts      Hosts
}

// NewAuthClient 创建认证客户端
func NewAuthClient(logger *zap.Logger, httpClient *http.Client, region Region, hosts Hosts) *AuthClient {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	return &AuthClient{
		logger:     logger,
		httpClient: httpClient,
		region:     region,
		hosts:      hosts,
	}
}

// CodeFromRedirect 从完整的重定向 URL 中截取 code
func CodeFromRedirect(redirectURL string) (string, error) {
	redirectURL = strings.TrimSpace(redirectURL)
	if !strings.HasPrefix(redirectURL, redirectCodePrefix) {
		return "", fmt.Errorf("%w: must start with %s", ErrInvalidRedirect, redirectCodePrefix)
	}
	code := strings.TrimPrefix(redirectURL, redirectCodePrefix)
	if i := strings.IndexByte(code, '&'); i >= 0 {
		code = code[:i]
	}
	if code == "" {
		return "", fmt.Errorf("%w: no code", ErrInvalidRedirect)
	}
	return code, nil
}

func (c *AuthClient) loginHost() string {
	if c.hosts.Login != "" {
		return c.hosts.Login
	}
	return c.region.LocaleURL
}

// ExchangeCode 用授权码 + code_verifier 换取 B2C access token
func (c *AuthClient) ExchangeCode(ctx context.Context, redirectURL, codeVerifier string) (string, error) {
	code, err := CodeFromRedirect(redirectURL)
	if err != nil {
		return "", err
	}

	conf := &oauth2.Config{
		ClientID:    fordB2CClientID,
		RedirectURL: RedirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  fmt.Sprintf("%s/%s/B2C_1A_SignInSignUp_%s/oauth2/v2.0/token", c.loginHost(), fordTenant, c.region.Locale),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	var tok *oauth2.Token
	err = backoff.Retry(func() error {
		t, err := conf.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
		if err != nil {
			// 只有连接层错误 (*url.Error) 才重试
			var ue *url.Error
			if !errors.As(err, &ue) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		tok = t
		return nil
	}, connectBackOff(ctx))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			status := 0
			if re.Response != nil {
				status = re.Response.StatusCode
			}
			return "", classify("code exchange", status, re.Body)
		}
		if strings.Contains(err.Error(), "missing access_token") {
			return "", fmt.Errorf("code exchange: %w: missing access_token", ErrUnexpectedStatus)
		}
		return "", fmt.Errorf("code exchange: %w: %v", ErrCommunication, err)
	}

	c.logger.Info("Authorization code exchanged", zap.String("region", c.region.Code))
	return tok.AccessToken, nil
}

// ExchangeCAT 用 B2C access token 换取 CAT 令牌对
func (c *AuthClient) ExchangeCAT(ctx context.Context, idpToken string) (*Token, error) {
	return c.postCAT(ctx, "cat exchange", "/token/v2/cat-with-b2c-access-token", map[string]string{"idpToken": idpToken})
}

// RefreshCAT 使用 refresh token 刷新 CAT 令牌对
func (c *AuthClient) RefreshCAT(ctx context.Context, refreshToken string) (*Token, error) {
	return c.postCAT(ctx, "cat refresh", "/token/v2/cat-with-refresh-token", map[string]string{"refresh_token": refreshToken})
}

func (c *AuthClient) postCAT(ctx context.Context, op, path string, payload any) (*Token, error) {
	body, err := jsonBody(payload)
	if err != nil {
		return nil, err
	}

	resp, err := do(ctx, c.httpClient, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.hosts.Guard+path, body())
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentTypeJSON)
		req.Header.Set("Accept", contentTypeJSON)
		req.Header.Set("User-Agent", fordUserAgent)
		req.Header.Set("Application-Id", c.region.AppID)
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c.decodeToken(op, resp)
}

// ExchangeAutonomic 用 CAT access token 换取 Autonomic 令牌对
func (c *AuthClient) ExchangeAutonomic(ctx context.Context, catAccess string) (*Token, error) {
	form := url.Values{}
	form.Set("subject_token", catAccess)
	form.Set("subject_issuer", autonomicSubjectIssuer)
	form.Set("client_id", autonomicClientID)
	form.Set("grant_type", tokenExchangeGrantType)
	form.Set("subject_token_type", tokenExchangeSubjectTypJWT)
	encoded := form.Encode()

	resp, err := do(ctx, c.httpClient, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.hosts.AutonomicAccounts+"/auth/oidc/token", strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentTypeForm)
		req.Header.Set("Accept", contentTypeJSON)
		req.Header.Set("User-Agent", fordUserAgent)
		req.Header.Set("Application-Id", c.region.AppID)
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("autonomic exchange: %w", err)
	}
	return c.decodeToken("autonomic exchange", resp)
}

func (c *AuthClient) decodeToken(op string, resp *response) (*Token, error) {
	if resp.StatusCode != http.StatusOK {
		err := classify(op, resp.StatusCode, resp.Body)
		if IsCommunication(err) {
			c.logger.Warn("Token endpoint returned unexpected status",
				zap.String("op", op),
				zap.Int("status", resp.StatusCode),
				zap.String("body", truncate(string(resp.Body), 256)))
		}
		return nil, err
	}

	var tok Token
	if err := resp.decode(&tok); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrUnexpectedStatus, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%s: %w: response carries no access_token", op, ErrUnexpectedStatus)
	}
	return &tok, nil
}

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrBadSignature 签名缺失或不匹配
	ErrBadSignature = errors.New("webhook: bad signature")
	// ErrStaleRequest 时间戳超出允许偏差（重放保护）
	ErrStaleRequest = errors.New("webhook: stale request")
)

const (
	githubSignaturePrefix = "sha256="
	slackVersion          = "v0"
)

// SignGitHub 计算 X-Hub-Signature-256 头的值
func SignGitHub(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return githubSignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyGitHub 校验 GitHub webhook 签名（常量时间比较）
func VerifyGitHub(secret string, body []byte, header string) error {
	if secret == "" || !strings.HasPrefix(header, githubSignaturePrefix) {
		return ErrBadSignature
	}
	if !hmac.Equal([]byte(SignGitHub(secret, body)), []byte(header)) {
		return ErrBadSignature
	}
	return nil
}

// SignSlack 计算 X-Slack-Signature 头的值：v0=hex(hmac("v0:{ts}:{body}"))
func SignSlack(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(slackVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return slackVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySlack 校验 Slack 请求签名与时间戳
func VerifySlack(secret string, body []byte, timestamp, signature string, now time.Time, maxSkew time.Duration) error {
	if secret == "" || signature == "" {
		return ErrBadSignature
	}
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q", ErrBadSignature, timestamp)
	}
	skew := now.Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if maxSkew > 0 && skew > maxSkew {
		return fmt.Errorf("%w: skew %s", ErrStaleRequest, skew.Round(time.Second))
	}
	if !hmac.Equal([]byte(SignSlack(secret, timestamp, body)), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

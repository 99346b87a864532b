// Package tts synthesizes speech through the Microsoft translator speech
// endpoint. A short-lived JWT is obtained from the endpoint service and
// cached until close to expiry; the voice catalogue is cached for six hours.
package tts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	endpointURL   = "https://dev.microsofttranslator.com/apps/endpoint?api-version=1.0"
	voicesListURL = "https://eastus.api.speech.microsoft.com/cognitiveservices/voices/list"

	clientUserAgent = "okhttp/4.5.0"
	clientVersion   = "4.0.530a 5fe1dc6c"
	clientUserID    = "0f04d16a175c411e"
	clientRegion    = "zh-Hans-CN"
	clientTraceID   = "aab069b9-70a7-4844-a734-96cd78d94be9"
	signingKey      = "oik6PdDdMnOXemTbwvMn9de/h9lFnfBaCWbGMMZqqoSaQaqUOqjVGm5NqsmjcBI1x+sS9ugjB55HEJWRiFXYFw=="

	// DefaultVoice is used when neither the user nor the tool call names one.
	DefaultVoice        = "zh-CN-XiaoxiaoMultilingualNeural"
	DefaultStyle        = "general"
	DefaultOutputFormat = "ogg-24khz-16bit-mono-opus"

	tokenRefreshMargin = 60 * time.Second
	voiceListTTL       = 6 * time.Hour
	ttsHostSuffix      = ".tts.speech.microsoft.com"
)

// Voice is one entry from the speech voice catalogue.
type Voice struct {
	ShortName string   `json:"ShortName"`
	Locale    string   `json:"Locale"`
	Gender    string   `json:"Gender"`
	StyleList []string `json:"StyleList"`
}

// Request describes one synthesis call.
type Request struct {
	Text         string
	Voice        string
	Style        string
	Rate         string // percent, without the "%" suffix
	Pitch        string
	OutputFormat string
	EndpointHost string // region alias or full host; empty = token region
}

type endpointToken struct {
	Token     string `json:"t"`
	Region    string `json:"r"`
	expiresAt time.Time
}

// Synthesizer is safe for concurrent use.
type Synthesizer struct {
	client *http.Client
	log    *slog.Logger

	tokenMu sync.Mutex
	token   *endpointToken

	voicesMu      sync.Mutex
	voices        []Voice
	voicesFetched time.Time
}

func NewSynthesizer(log *slog.Logger) *Synthesizer {
	return &Synthesizer{
		client: &http.Client{Timeout: 45 * time.Second},
		log:    log.With("component", "tts"),
	}
}

// Synthesize converts text to audio, returning the raw blob.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("tts: text is empty")
	}

	voice := req.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	style := req.Style
	if style == "" {
		style = DefaultStyle
	}
	format := req.OutputFormat
	if format == "" {
		format = DefaultOutputFormat
	}

	tok, err := s.endpoint(ctx, false)
	if err != nil {
		return nil, err
	}

	tokenHost := tok.Region + ttsHostSuffix
	host := NormalizeEndpoint(req.EndpointHost)
	if host == "" {
		host = tokenHost
	}

	ssml := buildSSML(req.Text, voice, normalizePercent(req.Rate), normalizePercent(req.Pitch), style)

	audio, status, err := s.post(ctx, host, tok.Token, format, ssml)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		tok, err = s.endpoint(ctx, true)
		if err != nil {
			return nil, err
		}
		tokenHost = tok.Region + ttsHostSuffix
		audio, status, err = s.post(ctx, host, tok.Token, format, ssml)
		if err != nil {
			return nil, err
		}
		// A custom host can reject the translator token; the token's own
		// region host always accepts it.
		if status == http.StatusUnauthorized && host != tokenHost {
			s.log.Warn("custom endpoint unauthorized, using token region host",
				"requested", host, "fallback", tokenHost)
			audio, status, err = s.post(ctx, tokenHost, tok.Token, format, ssml)
			if err != nil {
				return nil, err
			}
		}
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("tts: synthesis returned HTTP %d", status)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("tts: empty audio response")
	}
	return audio, nil
}

func (s *Synthesizer) post(ctx context.Context, host, token, format, ssml string) ([]byte, int, error) {
	u := "https://" + host + "/cognitiveservices/v1"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(ssml))
	if err != nil {
		return nil, 0, fmt.Errorf("tts: create request: %w", err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", format)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("tts: synthesis request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("tts: read audio: %w", err)
	}
	return body, resp.StatusCode, nil
}

// Voices returns the cached voice catalogue, refreshing it when stale.
func (s *Synthesizer) Voices(ctx context.Context) ([]Voice, error) {
	s.voicesMu.Lock()
	defer s.voicesMu.Unlock()
	if s.voices != nil && time.Since(s.voicesFetched) < voiceListTTL {
		return s.voices, nil
	}

	tok, err := s.endpoint(ctx, false)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesListURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tts: create voices request: %w", err)
	}
	req.Header.Set("Authorization", tok.Token)
	req.Header.Set("User-Agent", clientUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: voices request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts: voices list returned HTTP %d", resp.StatusCode)
	}

	var voices []Voice
	if err := json.NewDecoder(resp.Body).Decode(&voices); err != nil {
		return nil, fmt.Errorf("tts: decode voices: %w", err)
	}
	s.voices = voices
	s.voicesFetched = time.Now()
	return voices, nil
}

// endpoint returns a valid token, refreshing when expired or near expiry.
func (s *Synthesizer) endpoint(ctx context.Context, force bool) (*endpointToken, error) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	if !force && s.token != nil && time.Until(s.token.expiresAt) > tokenRefreshMargin {
		return s.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tts: create endpoint request: %w", err)
	}
	req.Header.Set("Accept-Language", "zh-Hans")
	req.Header.Set("X-ClientVersion", clientVersion)
	req.Header.Set("X-UserId", clientUserID)
	req.Header.Set("X-HomeGeographicRegion", clientRegion)
	req.Header.Set("X-ClientTraceId", clientTraceID)
	req.Header.Set("X-MT-Signature", sign(endpointURL))
	req.Header.Set("User-Agent", clientUserAgent)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: endpoint request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts: endpoint returned HTTP %d", resp.StatusCode)
	}

	var tok endpointToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("tts: decode endpoint: %w", err)
	}
	exp, err := decodeJWTExpiry(tok.Token)
	if err != nil {
		return nil, err
	}
	tok.expiresAt = exp
	s.token = &tok
	return s.token, nil
}

// sign produces the X-MT-Signature header the endpoint service requires.
func sign(rawURL string) string {
	target := rawURL
	if i := strings.Index(target, "://"); i >= 0 {
		target = target[i+3:]
	}
	encoded := url.QueryEscape(target)
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	date := strings.ToLower(time.Now().UTC().Format("Mon, 02 Jan 2006 15:04:05")) + "gmt"

	payload := strings.ToLower("MSTranslatorAndroidApp" + encoded + date + requestID)
	secret, _ := base64.StdEncoding.DecodeString(signingKey)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return "MSTranslatorAndroidApp::" + sig + "::" + date + "::" + requestID
}

func decodeJWTExpiry(token string) (time.Time, error) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return time.Time{}, fmt.Errorf("tts: malformed token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("tts: decode token payload: %w", err)
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return time.Time{}, fmt.Errorf("tts: parse token claims: %w", err)
	}
	return time.Unix(claims.Exp, 0), nil
}

// buildSSML escapes the text and wraps it in the express-as envelope.
func buildSSML(text, voice, rate, pitch, style string) string {
	var b bytes.Buffer
	b.WriteString(`<speak xmlns="http://www.w3.org/2001/10/synthesis" xmlns:mstts="http://www.w3.org/2001/mstts" version="1.0" xml:lang="zh-CN">`)
	fmt.Fprintf(&b, `<voice name="%s">`, voice)
	fmt.Fprintf(&b, `<mstts:express-as style="%s" styledegree="1.0" role="default">`, style)
	fmt.Fprintf(&b, `<prosody rate="%s%%" pitch="%s%%">%s</prosody>`, rate, pitch, html.EscapeString(strings.TrimSpace(text)))
	b.WriteString(`</mstts:express-as></voice></speak>`)
	return b.String()
}

// normalizePercent accepts "15", "-10%", "1.50" and yields a bare number
// string; anything unparseable becomes "0".
func normalizePercent(v string) string {
	v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "%"))
	if v == "" {
		return "0"
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return "0"
	}
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// NormalizeEndpoint turns user input into a bare host. A region alias like
// "southeastasia" expands to its full speech host.
func NormalizeEndpoint(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return ""
	}
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	v = strings.Trim(v, "/ ")
	if v == "" {
		return ""
	}
	if !strings.Contains(v, ".") {
		return v + ttsHostSuffix
	}
	return v
}

// GuessExtension maps an output format to a voice-note file extension.
func GuessExtension(outputFormat string) string {
	f := strings.ToLower(outputFormat)
	switch {
	case strings.Contains(f, "opus"), strings.Contains(f, "ogg"):
		return "ogg"
	case strings.Contains(f, "wav"):
		return "wav"
	default:
		return "mp3"
	}
}

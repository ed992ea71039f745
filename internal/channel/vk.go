package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatbridge/internal/domain"
)

const vkAPIURL = "https://api.vk.com/method"

// vkEvent is the callback envelope VK posts to the webhook.
type vkEvent struct {
	Type   string          `json:"type"`
	Object json.RawMessage `json:"object"`
}

type vkMessage struct {
	Message struct {
		ID          int    `json:"id"`
		FromID      int64  `json:"from_id"`
		Text        string `json:"text"`
		Date        int64  `json:"date"`
		Attachments []struct {
			Type string `json:"type"`
		} `json:"attachments"`
	} `json:"message"`
}

// VK is the webhook adapter for the VK Callback API. Inbound events arrive
// over an HTTP server; replies go out through messages.send.
type VK struct {
	token        string
	confirmation string
	version      string
	addr         string
	path         string
	apiURL       string
	bus          domain.MessageBus
	client       *http.Client
	server       *http.Server
	logger       *slog.Logger
}

type VKOptions struct {
	Token        string
	Confirmation string
	Addr         string
	Path         string
	APIVersion   string
}

func NewVK(opts VKOptions, logger *slog.Logger) *VK {
	if opts.Path == "" {
		opts.Path = "/webhook"
	}
	if opts.APIVersion == "" {
		opts.APIVersion = "5.131"
	}
	return &VK{
		token:        opts.Token,
		confirmation: opts.Confirmation,
		version:      opts.APIVersion,
		addr:         opts.Addr,
		path:         opts.Path,
		apiURL:       vkAPIURL,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
	}
}

func (v *VK) Name() string { return "vk" }

func (v *VK) Start(ctx context.Context, bus domain.MessageBus) error {
	v.bus = bus
	bus.OnOutbound(v.Name(), func(out domain.OutboundMessage) {
		if err := v.Send(ctx, out.UserID, out.Text); err != nil {
			v.logger.Error("vk send failed", "user", out.UserID, "err", err)
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc(v.path, v.handleCallback)
	v.server = &http.Server{
		Addr:         v.addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		v.logger.Info("vk webhook listening", "addr", v.addr, "path", v.path)
		if err := v.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			v.logger.Error("vk webhook server failed", "err", err)
		}
	}()
	return nil
}

func (v *VK) Stop() error {
	if v.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return v.server.Shutdown(ctx)
}

// handleCallback answers the VK callback contract: GET echoes the
// confirmation code, a POST that is not valid JSON (or carries no event
// type) is rejected with 415, and every accepted event is answered "ok".
func (v *VK) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		io.WriteString(w, v.confirmation)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !isJSONContentType(r.Header.Get("Content-Type")) {
		rejectNotJSON(w)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}

	var event vkEvent
	if err := json.Unmarshal(body, &event); err != nil || event.Type == "" {
		rejectNotJSON(w)
		return
	}

	switch event.Type {
	case "confirmation":
		io.WriteString(w, v.confirmation)
	case "message_new":
		if msg, ok := v.normalizeEvent(event.Object); ok {
			v.bus.Publish(msg)
		}
		io.WriteString(w, "ok")
	default:
		// unhandled event types are acknowledged so VK stops retrying
		io.WriteString(w, "ok")
	}
}

// isJSONContentType accepts application/json and the +json suffix forms,
// ignoring parameters like charset.
func isJSONContentType(ct string) bool {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func rejectNotJSON(w http.ResponseWriter) {
	w.WriteHeader(http.StatusUnsupportedMediaType)
	io.WriteString(w, "Unsupported Media Type: Content is not application/json")
}

func (v *VK) normalizeEvent(object json.RawMessage) (domain.InboundMessage, bool) {
	var payload vkMessage
	if err := json.Unmarshal(object, &payload); err != nil {
		v.logger.Warn("malformed message_new object", "err", err)
		return domain.InboundMessage{}, false
	}
	m := payload.Message
	if m.FromID == 0 {
		return domain.InboundMessage{}, false
	}

	var attachments []domain.Attachment
	for _, a := range m.Attachments {
		kind := domain.AttachmentOther
		switch a.Type {
		case "photo":
			kind = domain.AttachmentPhoto
		case "doc":
			kind = domain.AttachmentDocument
		}
		attachments = append(attachments, domain.Attachment{Kind: kind})
	}

	ts := time.Now()
	if m.Date > 0 {
		ts = time.Unix(m.Date, 0)
	}
	return domain.InboundMessage{
		Channel:     v.Name(),
		UserID:      strconv.FormatInt(m.FromID, 10),
		Text:        m.Text,
		Attachments: attachments,
		EventID:     strconv.Itoa(m.ID),
		Timestamp:   ts,
	}, true
}

// Send delivers a reply via messages.send. random_id is fixed at zero, so
// VK deduplicates nothing on our behalf.
func (v *VK) Send(ctx context.Context, userID, text string) error {
	form := url.Values{
		"user_id":      {userID},
		"random_id":    {"0"},
		"message":      {text},
		"access_token": {v.token},
		"v":            {v.version},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.apiURL+"/messages.send", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrChannelSend, err)
	}
	req.URL.RawQuery = form.Encode()

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrChannelSend, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Error *struct {
			Code    int    `json:"error_code"`
			Message string `json:"error_msg"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: decoding response: %v", domain.ErrChannelSend, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%w: vk api error %d: %s",
			domain.ErrChannelSend, envelope.Error.Code, envelope.Error.Message)
	}
	return nil
}

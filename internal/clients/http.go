package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/apperrors"
)

const defaultTimeout = 10 * time.Second

// jsonClient is the transport shared by the collaborator clients.
type jsonClient struct {
	service    string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func newJSONClient(service, baseURL string, logger *zap.Logger) jsonClient {
	return jsonClient{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		logger: logger,
	}
}

// send issues one JSON request. Transport errors and non-2xx answers are reported as
// apperrors.ErrUpstreamUnavailable.
func (c jsonClient) send(ctx context.Context, method, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.New(apperrors.KindUpstreamUnavailable, c.service+" request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp map[string]string
		errMsg := fmt.Sprintf("status %d", resp.StatusCode)
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp["error"] != "" {
			errMsg = errResp["error"]
		}
		return apperrors.Newf(apperrors.KindUpstreamUnavailable, "%s %s %s failed: %s", c.service, method, path, errMsg)
	}

	c.logger.Debug("Collaborator call succeeded",
		zap.String("service", c.service),
		zap.String("method", method),
		zap.String("path", path),
	)
	return nil
}

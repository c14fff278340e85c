package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tundradb/tundra-go/pkg/transport"
)

// monitoringPath is the per-query monitoring endpoint, parameterized by
// query id.
const monitoringPath = "/monitoring/queries/"

// noErrorCodeMessage is attached when the server marks a query as failed
// without supplying an error code.
const noErrorCodeMessage = "no_error_code_from_server"

// QueryState is the lifecycle state of a query as reported by the
// monitoring endpoint.
type QueryState string

const (
	QueryStateRunning                  QueryState = "RUNNING"
	QueryStateResumingWarehouse        QueryState = "RESUMING_WAREHOUSE"
	QueryStateQueued                   QueryState = "QUEUED"
	QueryStateQueuedRepairingWarehouse QueryState = "QUEUED_REPAIRING_WAREHOUSE"
	QueryStateSuccess                  QueryState = "SUCCESS"
	QueryStateFailedWithError          QueryState = "FAILED_WITH_ERROR"
	QueryStateFailedWithIncident       QueryState = "FAILED_WITH_INCIDENT"
	QueryStateAborting                 QueryState = "ABORTING"
	QueryStateAborted                  QueryState = "ABORTED"
	QueryStateDisconnected             QueryState = "DISCONNECTED"
	QueryStateRestarted                QueryState = "RESTARTED"
	QueryStateBlocked                  QueryState = "BLOCKED"
	QueryStateNoData                   QueryState = "NO_DATA"
)

// queryStateFromString maps the server's textual status to a QueryState.
// Unknown or absent statuses map to NO_DATA.
func queryStateFromString(status string) QueryState {
	normalized := QueryState(strings.ToUpper(strings.ReplaceAll(status, " ", "_")))
	switch normalized {
	case QueryStateRunning, QueryStateResumingWarehouse, QueryStateQueued,
		QueryStateQueuedRepairingWarehouse, QueryStateSuccess,
		QueryStateFailedWithError, QueryStateFailedWithIncident,
		QueryStateAborting, QueryStateAborted, QueryStateDisconnected,
		QueryStateRestarted, QueryStateBlocked:
		return normalized
	default:
		return QueryStateNoData
	}
}

// IsStillRunning reports whether the state is non-terminal.
func (q QueryState) IsStillRunning() bool {
	switch q {
	case QueryStateRunning, QueryStateResumingWarehouse, QueryStateQueued,
		QueryStateQueuedRepairingWarehouse, QueryStateAborting,
		QueryStateRestarted, QueryStateBlocked:
		return true
	}
	return false
}

// IsAnError reports whether the state is an error variant. A status in an
// error state always carries an error code; see GetQueryStatus.
func (q QueryState) IsAnError() bool {
	switch q {
	case QueryStateFailedWithError, QueryStateFailedWithIncident,
		QueryStateAborted, QueryStateDisconnected:
		return true
	}
	return false
}

// QueryStatus is the resolved status of a query, with the server's error
// code and message attached when the state is an error variant.
type QueryStatus struct {
	State        QueryState
	ErrorCode    int
	ErrorMessage string
}

type statusResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Code    json.Number `json:"code"`
	Data    struct {
		Queries []struct {
			ID           string      `json:"id"`
			Status       string      `json:"status"`
			ErrorCode    json.Number `json:"errorCode"`
			ErrorMessage string      `json:"errorMessage"`
		} `json:"queries"`
	} `json:"data"`
}

// GetQueryStatus polls the monitoring endpoint for the query's lifecycle
// state. A session-expired response is renewed and retried transparently;
// callers only ever observe the resolved status or a terminal failure.
func (s *Session) GetQueryStatus(ctx context.Context, queryID string) (QueryStatus, error) {
	statusURL := strings.TrimSuffix(s.ServerURL(), "/") + monitoringPath + queryID

	s.injectedPause()

	var resp statusResponse
	err := s.withExpiryRetry(ctx, func(sessionToken string) error {
		body, err := s.transport.Execute(ctx, &transport.Request{
			Method: http.MethodGet,
			URL:    statusURL,
			Headers: map[string]string{
				"Content-Type":  "application/json",
				"Authorization": TokenAuthHeader(sessionToken),
			},
		}, s.requestOptions())
		if err != nil {
			return &Error{
				Code:    ErrCodeQueryStatusRequestFailed,
				Message: "no response or invalid response from monitoring request",
				QueryID: queryID,
				cause:   err,
			}
		}

		resp = statusResponse{}
		if err := json.Unmarshal(body, &resp); err != nil {
			return &Error{
				Code:    ErrCodeQueryStatusRequestFailed,
				Message: "failed to parse monitoring response",
				QueryID: queryID,
				cause:   err,
			}
		}

		if !resp.Success {
			serverCode := asInt(resp.Code)
			if serverCode == SessionExpiredCode {
				return errSessionExpired
			}
			return &Error{
				Code:       ErrCodeQueryStatusRequestFailed,
				Message:    resp.Message,
				QueryID:    queryID,
				ServerCode: serverCode,
			}
		}
		return nil
	})
	if err != nil {
		return QueryStatus{}, err
	}

	var (
		statusText   string
		errorMessage string
		errorCode    int
	)
	if len(resp.Data.Queries) > 0 {
		entry := resp.Data.Queries[0]
		statusText = entry.Status
		errorMessage = entry.ErrorMessage
		errorCode = asInt(entry.ErrorCode)
	}

	result := QueryStatus{State: queryStateFromString(statusText)}
	log.Debug().Str("query_id", queryID).Str("status", string(result.State)).Msg("resolved query status")

	if errorCode != 0 {
		result.ErrorCode = errorCode
	} else if result.State.IsAnError() {
		// an error state must never be reported without a code
		result.ErrorCode = int(ErrCodeInternalError)
		result.ErrorMessage = noErrorCodeMessage
	}
	if errorMessage != "" && !strings.EqualFold(errorMessage, "null") {
		result.ErrorMessage = errorMessage
	}

	return result, nil
}

// asInt reads a json.Number leniently, defaulting to zero.
func asInt(n json.Number) int {
	v, err := n.Int64()
	if err != nil {
		return 0
	}
	return int(v)
}

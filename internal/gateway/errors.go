package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/coreason-ai/ai-gateway/internal/server"
	"github.com/coreason-ai/ai-gateway/internal/upstream"
)

// writeUpstreamError maps dispatcher failures to the external taxonomy.
// Upstream auth failures surface as 502, not 401: the caller did not supply
// the bad credential, so signalling "gateway's fault" is correct. Fully
// unclassified upstream errors (such as a malformed body on a 200) also map
// to 502 rather than falling through to a framework 500.
func (h *Handler) writeUpstreamError(ctx context.Context, w http.ResponseWriter, err error) {
	server.AddError(ctx, err)

	var ue *upstream.Error
	if errors.As(err, &ue) {
		switch ue.Kind {
		case upstream.KindBadRequest:
			server.WriteDetail(w, http.StatusBadRequest, "Upstream provider rejected request: "+ue.Message)
		case upstream.KindAuth:
			server.WriteDetail(w, http.StatusBadGateway, "Upstream authentication failed")
		case upstream.KindRateLimit:
			server.WriteDetail(w, http.StatusTooManyRequests, "Upstream provider rate limit exceeded")
		case upstream.KindConnection, upstream.KindServer:
			server.WriteDetail(w, http.StatusBadGateway, "Upstream provider error: "+ue.Message)
		default:
			server.WriteDetail(w, http.StatusBadGateway, "Upstream provider returned an unusable response")
		}
		return
	}

	server.WriteDetail(w, http.StatusInternalServerError, "Internal Server Error")
}

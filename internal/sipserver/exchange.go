package sipserver

import (
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"

	"SirenServer/internal/logger"
	"SirenServer/internal/metrics"
)

// exchange is one inbound request: counted on arrival and timed until close.
type exchange struct {
	req   *sip.Request
	tx    sip.ServerTransaction
	start time.Time
}

func receive(req *sip.Request, tx sip.ServerTransaction) *exchange {
	metrics.SIPMessages.WithLabelValues(string(req.Method), "IN").Inc()
	return &exchange{req: req, tx: tx, start: time.Now()}
}

// reply answers the request. A response that cannot be sent is logged, the handler carries on.
func (x *exchange) reply(code int, reason string) {
	method := string(x.req.Method)
	metrics.SIPResponses.WithLabelValues(method, strconv.Itoa(code)).Inc()
	metrics.SIPMessages.WithLabelValues(method, "OUT").Inc()

	if err := x.tx.Respond(sip.NewResponseFromRequest(x.req, code, reason, nil)); err != nil {
		logger.Log.WithError(err).WithField("method", method).Warn("[SIP] response not sent")
	}
}

func (x *exchange) close() {
	metrics.SIPHandlerDuration.WithLabelValues(string(x.req.Method)).Observe(time.Since(x.start).Seconds())
}

// sent counts a request this server originates.
func sent(method sip.RequestMethod) {
	metrics.SIPMessages.WithLabelValues(string(method), "OUT").Inc()
}

package sipserver

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

var errNoFinalResponse = errors.New("transaction ended without final response")

func setRequestURIAndDest(req *sip.Request, uri sip.Uri, dest string) {
	req.Recipient = uri
	if dest == "" {
		dest = uri.HostPort()
	}
	req.SetDestination(dest)
}

func decreaseMaxForwards(req *sip.Request) {
	mf := req.MaxForwards()
	if mf == nil {
		h := sip.MaxForwardsHeader(70)
		req.AppendHeader(&h)
		return
	}
	mf.Dec()
}

func makeReachableContact(login string, src string) (sip.Uri, bool) {
	host, portStr, err := net.SplitHostPort(src)
	if err != nil {
		return sip.Uri{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return sip.Uri{}, false
	}

	u := sip.Uri{
		Scheme: "sip",
		User:   login,
		Host:   host,
		Port:   port,
	}

	u.UriParams = sip.NewParams().Add("transport", "udp")
	return u, true
}

func (s *Server) addTopVia(req *sip.Request) {
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            s.publicHost,
		Port:            s.publicPort,
		Params: sip.NewParams().
			Add("branch", sip.GenerateBranch()).
			Add("rport", ""),
	}
	req.PrependHeader(via)
}

// newRequest builds an out-of-dialog request from the engine's own address.
func (s *Server) newRequest(method sip.RequestMethod, to sip.Uri, dest string, body []byte) *sip.Request {
	req := sip.NewRequest(method, to)
	setRequestURIAndDest(req, to, dest)
	s.addTopVia(req)

	from := sip.Uri{Scheme: "sip", User: "siren", Host: s.publicHost, Port: s.publicPort}
	req.AppendHeader(&sip.FromHeader{
		Address: from,
		Params:  sip.NewParams().Add("tag", uuid.NewString()[:8]),
	})
	req.AppendHeader(&sip.ToHeader{Address: to, Params: sip.NewParams()})

	cid := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	decreaseMaxForwards(req)

	if body != nil {
		ct := sip.ContentTypeHeader("application/json")
		req.AppendHeader(&ct)
		req.SetBody(body)
	}
	return req
}

// send runs a client transaction and waits for its final response.
func (s *Server) send(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	sent(req.Method)
	tx, err := s.cli.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, errNoFinalResponse
			}
			if res.StatusCode >= 200 {
				return res, nil
			}
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errNoFinalResponse
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

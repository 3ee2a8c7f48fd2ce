package main

import (
	"context"
	"fmt"

	"github.com/zhangyunhao116/frpbox"
	"github.com/zhangyunhao116/frpbox/internal/control"
	"github.com/zhangyunhao116/frpbox/netmon"
	"github.com/zhangyunhao116/frpbox/proxy"
)

// startReply is the result of OpStart.
type startReply struct {
	Task   frpbox.Task `json:"task"`
	Result string      `json:"result"`
}

// proxyStatus describes one listener in a statusReply.
type proxyStatus struct {
	Transport netmon.Transport `json:"transport"`
	Addr      string           `json:"addr"`
	State     string           `json:"state"`
	Active    bool             `json:"active"`
	Network   string           `json:"network"`
	Validated bool             `json:"validated"`
}

// statusReply is the result of OpStatus.
type statusReply struct {
	Running []frpbox.Task `json:"running"`
	Pending []frpbox.Task `json:"pending"`
	Desired []frpbox.Task `json:"desired"`
	Proxies []proxyStatus `json:"proxies"`
}

// controlHandler serves control requests from the supervisor and proxies.
type controlHandler struct {
	sup     *frpbox.Supervisor
	proxies *proxy.Set
	mon     *netmon.Monitor
}

func (h *controlHandler) Handle(ctx context.Context, req control.Request) (any, error) {
	switch req.Op {
	case control.OpPing:
		return "pong", nil

	case control.OpStart:
		task, err := frpbox.ParseTask(req.Task)
		if err != nil {
			return nil, err
		}
		res, err := h.sup.Start(ctx, task)
		if err != nil {
			return nil, err
		}
		return startReply{Task: task, Result: res.String()}, nil

	case control.OpStop:
		task, err := frpbox.ParseTask(req.Task)
		if err != nil {
			return nil, err
		}
		return nil, h.sup.Stop(ctx, task)

	case control.OpStopAll:
		return nil, h.sup.StopAll(ctx)

	case control.OpStatus:
		return h.status(), nil

	case control.OpLogs:
		task, err := frpbox.ParseTask(req.Task)
		if err != nil {
			return nil, err
		}
		return h.sup.Log(task), nil

	case control.OpClearLogs:
		task, err := frpbox.ParseTask(req.Task)
		if err != nil {
			return nil, err
		}
		return nil, h.sup.ClearLog(task)

	case control.OpVersion:
		kind, err := frpbox.ParseKind(req.Kind)
		if err != nil {
			return nil, err
		}
		return h.sup.Version(ctx, kind), nil

	case control.OpIntent:
		return h.sup.HandleIntent(ctx, frpbox.Intent{
			Action: frpbox.IntentAction(req.Action),
			Kind:   frpbox.TaskKind(req.Kind),
			Name:   req.Name,
		})

	default:
		return nil, fmt.Errorf("unknown operation %q", req.Op)
	}
}

func (h *controlHandler) status() statusReply {
	snap := h.sup.Snapshot()
	reply := statusReply{Running: snap.Running, Pending: snap.Pending, Desired: snap.Desired}
	for _, t := range netmon.Transports {
		l := h.proxies.Listener(t)
		if l == nil {
			continue
		}
		ps := proxyStatus{
			Transport: t,
			Addr:      l.Addr(),
			State:     l.State().String(),
			Active:    l.Active(),
		}
		if h.mon != nil {
			st := h.mon.Status(t)
			ps.Network = st.Candidate.String()
			ps.Validated = st.Validated
		}
		reply.Proxies = append(reply.Proxies, ps)
	}
	return reply
}

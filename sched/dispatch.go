package sched

import (
	"strings"

	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/gate"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/status"
)

// dispatch implements spec.md §4.4 step 2 for a single envelope: resolve
// the receiver, and either hand it to a local task/module or push it to
// the matching outbound gate.
func (s *Scheduler) dispatch(env envelope.Envelope) {
	if s.LogMessages {
		s.logger.DebugF("sched[%s]: dispatch %s -> %s cmd=%v", s.node, env.Sender, env.Receiver, commandOf(env))
	}
	if s.TraceMsgs {
		s.trace.Record(env, "dispatch")
	}

	if env.Event.IsResponse() {
		// A response's receiver is the original requester, which may
		// live on another node when the request arrived through a gate
		// (spec.md §4.3/§4.9): only consume it against this scheduler's
		// own handler table when it actually addresses this node, else
		// send it back out the way any other outbound envelope goes.
		if s.isLocal(env.Receiver) {
			s.dispatchResponse(env)
		} else {
			s.routeRemote(env)
		}
		return
	}

	if s.isLocal(env.Receiver) {
		s.dispatchLocal(env)
		return
	}
	s.routeRemote(env)
}

// commandOf extracts the command name for logging, or "" for responses.
func commandOf(env envelope.Envelope) string {
	if req, ok := env.Event.(envelope.Request); ok {
		return req.Command
	}
	return ""
}

// isLocal reports whether a receiver address names this scheduler's own
// node: empty (meaning "this node"), or a Fixed address whose Node
// matches (or is empty, the self-referential "#host" case).
func (s *Scheduler) isLocal(a addr.Address) bool {
	if a.IsEmpty() {
		return true
	}
	if a.Kind == addr.Fixed {
		return a.Node == "" || a.Node == s.node
	}
	return false
}

// dispatchResponse correlates a response envelope to its stored handler.
func (s *Scheduler) dispatchResponse(env envelope.Envelope) {
	resp, ok := env.Event.(envelope.Response)
	if !ok {
		return
	}
	rec, found := s.handlers.Take(resp.ReqID)
	if !found {
		if s.LogMessages {
			s.logger.WarnF("sched[%s]: response for unknown request id %d", s.node, resp.ReqID)
		}
		return
	}
	if resp.Status < 0 {
		rec.h.HandleError(env)
	} else {
		rec.h.HandleResult(env)
	}
}

// dispatchLocal handles a request addressed to this node: to a specific
// task if Receiver.Task is set, else to the module claiming the
// command's interface prefix.
func (s *Scheduler) dispatchLocal(env envelope.Envelope) {
	req, ok := env.Event.(envelope.Request)
	if !ok {
		return
	}

	if env.Receiver.Task != "" {
		t, found := s.Task(env.Receiver.Task)
		if !found {
			s.replyIfWanted(env, status.UnkTask, rt.Null(), envelope.ErrorResult("unknown task"))
			return
		}
		t.HandleMessage(env, func(result, errBody rt.Value) {
			s.finishLocal(env, result, errBody)
		})
		return
	}

	iface, _, _ := strings.Cut(req.Command, ".")
	s.mutex.Lock()
	mod, found := s.modules[iface]
	s.mutex.Unlock()
	if !found {
		s.handleUnroutable(env)
		return
	}

	var result rt.Value
	code := mod.HandleEnvelope(env, &result)
	switch code {
	case status.TaskReq:
		t, err := mod.PrepareTaskForMessage(env)
		if err != nil {
			s.replyIfWanted(env, status.Exception, rt.Null(), envelope.ErrorResult(err.Error()))
			return
		}
		s.AddTask(t)
		t.HandleMessage(env, func(result, errBody rt.Value) {
			s.finishLocal(env, result, errBody)
		})
	case status.Forwarded:
		// the module already routed this request onward (e.g.
		// core.advertise falling through to the directory); no local
		// reply is due.
	default:
		s.replyIfWanted(env, code, result, errBodyForCode(code, result))
	}
}

// handleUnroutable is reached when no module claims the command's
// interface and the receiver was judged local: forward to the dispatcher
// if one is configured, else answer UNK_MSG.
func (s *Scheduler) handleUnroutable(env envelope.Envelope) {
	s.mutex.Lock()
	dispatcher, has := s.dispatcher, s.hasDispatcher
	s.mutex.Unlock()
	if has {
		fwd := env
		fwd.Receiver = dispatcher
		s.mutex.Lock()
		s.pending = append(s.pending, fwd)
		s.mutex.Unlock()
		return
	}
	s.replyIfWanted(env, status.UnkMsg, rt.Null(), envelope.ErrorResult("no module for interface"))
}

// routeRemote pushes a non-local envelope to the output gate serving its
// receiver's protocol, synthesizing an UnknownNode response if none
// matches or a TransmitError response if Put fails.
func (s *Scheduler) routeRemote(env envelope.Envelope) {
	s.mutex.Lock()
	gates := append([]gate.OutputGate(nil), s.outGates...)
	s.mutex.Unlock()

	for _, g := range gates {
		if !g.SupportsProtocol(env.Receiver.Protocol) {
			continue
		}
		if err := g.Put(env); err != nil {
			s.replyIfWanted(env, status.TransmitError, rt.Null(), envelope.ErrorResult(err.Error()))
		}
		return
	}
	s.replyIfWanted(env, status.UnknownNode, rt.Null(), envelope.ErrorResult("no gate for protocol "+env.Receiver.Protocol))
}

// finishLocal is the respond callback passed to tasks: it builds a
// response (if the original request wanted one) and re-enters the
// pending queue so it is correlated on the next dispatch pass.
func (s *Scheduler) finishLocal(req envelope.Envelope, result, errBody rt.Value) {
	code := status.OK
	if !errBody.IsNull() {
		code = status.Err
	}
	s.replyIfWanted(req, code, result, errBody)
}

// replyIfWanted builds and enqueues a response envelope addressed back to
// req's sender, unless req was fire-and-forget (request_id == 0).
func (s *Scheduler) replyIfWanted(req envelope.Envelope, code status.Code, result, errBody rt.Value) {
	if req.Event == nil || req.Event.RequestID() == 0 {
		return
	}
	resp := envelope.NewResponseTo(req, int32(code), result, errBody)
	s.mutex.Lock()
	s.pending = append(s.pending, resp)
	s.mutex.Unlock()
}

// errBodyForCode produces a best-effort error body for a non-OK status
// code when the module itself did not populate one via result.
func errBodyForCode(code status.Code, result rt.Value) rt.Value {
	if code == status.OK || code == status.Pass {
		return rt.Null()
	}
	if !result.IsNull() {
		if _, ok := result.Get("text"); ok {
			return result
		}
	}
	return envelope.ErrorResult(code.String())
}

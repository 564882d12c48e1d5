package sched

import (
	"os"
	"strings"
	"sync"
	"time"

	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/gate"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/status"
	"oss.nandlabs.io/gridmesh/uuid"
)

// uuidV1String generates a fresh id for core.reg_node's auto-generated
// source case.
func uuidV1String() (string, error) {
	id, err := uuid.V1()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// coreModule implements the always-present "core.*" interface (spec.md
// §4.6 glossary): echo, if_equ, if_diff, run, run_cmd, set_option,
// forward, advertise, reg_node, reg_node_at, reg_map, set_dispatcher,
// set_directory, set_name, set_var, import_env, flush_events,
// create_node, shutdown_node, restart_node, sleep, add_gate, get_stats.
type coreModule struct {
	BaseModule
	s *Scheduler

	mutex         sync.Mutex
	selfName      string
	gateFactories map[string]func() (gate.Gate, error)
}

func newCoreModule(s *Scheduler) *coreModule {
	return &coreModule{
		BaseModule:    BaseModule{Interfaces: []string{"core"}},
		s:             s,
		gateFactories: make(map[string]func() (gate.Gate, error)),
	}
}

// RegisterGateFactory lets host code (typically a node factory) make a
// named, pre-built gate constructor available to core.add_gate, without
// core itself knowing about any concrete transport.
func (c *coreModule) RegisterGateFactory(name string, f func() (gate.Gate, error)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.gateFactories[name] = f
}

// HandleMessage lets core.run/core.run_cmd and the if_equ/if_diff
// combinators re-enter core commands without a real envelope; it wraps
// the command into a zero-sender Request and defers to HandleEnvelope.
func (c *coreModule) HandleMessage(command string, params rt.Value, result *rt.Value) status.Code {
	env := envelope.Envelope{Event: envelope.Request{Command: command, Params: params}}
	return c.HandleEnvelope(env, result)
}

func (c *coreModule) HandleEnvelope(env envelope.Envelope, result *rt.Value) status.Code {
	req, ok := env.Event.(envelope.Request)
	if !ok {
		return status.UnkMsg
	}
	_, verb, _ := strings.Cut(req.Command, ".")
	switch verb {
	case "echo":
		*result = req.Params
		return status.OK
	case "if_equ":
		return c.ifCmp(req.Params, result, true)
	case "if_diff":
		return c.ifCmp(req.Params, result, false)
	case "run", "run_cmd":
		cmd := req.Params.GetOr("command", rt.Null()).AsString("")
		p := req.Params.GetOr("params", rt.Null())
		if cmd == "" {
			return status.WrongParams
		}
		code, r := c.s.invokeCommand(cmd, p)
		*result = r
		return code
	case "set_option":
		return c.setOption(req.Params)
	case "forward":
		return c.forward(env, req.Params)
	case "advertise":
		return c.advertise(env, req.Params, result)
	case "reg_node":
		return c.regNode(req.Params, result)
	case "reg_node_at":
		return c.regNodeAt(req.Params)
	case "reg_map":
		return c.regMap(req.Params)
	case "set_dispatcher":
		a, err := addr.Parse(req.Params.AsString(""))
		if err != nil {
			return status.WrongParams
		}
		c.s.SetDispatcher(a)
		return status.OK
	case "set_directory":
		a, err := addr.Parse(req.Params.AsString(""))
		if err != nil {
			return status.WrongParams
		}
		c.s.SetDirectory(a)
		return status.OK
	case "set_name":
		c.mutex.Lock()
		c.selfName = req.Params.AsString("")
		c.mutex.Unlock()
		return status.OK
	case "set_var":
		name := req.Params.GetOr("name", rt.Null()).AsString("")
		if name == "" {
			return status.WrongParams
		}
		c.s.SetVar(name, req.Params.GetOr("value", rt.Null()))
		return status.OK
	case "import_env":
		return c.importEnv(req.Params)
	case "flush_events":
		n := c.s.FlushEvents()
		*result = rt.Map(map[string]rt.Value{"flushed": rt.Int64(int64(n))})
		return status.OK
	case "create_node":
		return c.nodeCtl(func(ctl NodeController) error {
			return ctl.CreateNode(req.Params.GetOr("name", rt.Null()).AsString(""), req.Params.GetOr("config", rt.Null()))
		})
	case "shutdown_node":
		return c.nodeCtl(func(ctl NodeController) error {
			return ctl.ShutdownNode(req.Params.AsString(""))
		})
	case "restart_node":
		return c.nodeCtl(func(ctl NodeController) error {
			return ctl.RestartNode(req.Params.AsString(""))
		})
	case "sleep":
		return status.TaskReq
	case "add_gate":
		return c.addGate(req.Params)
	case "get_stats":
		*result = statsToValue(c.s.Stats())
		return status.OK
	default:
		return status.UnkMsg
	}
}

func (c *coreModule) PrepareTaskForMessage(env envelope.Envelope) (Task, error) {
	req, ok := env.Event.(envelope.Request)
	if !ok {
		return nil, errNoTaskForMessage
	}
	_, verb, _ := strings.Cut(req.Command, ".")
	if verb != "sleep" {
		return nil, errNoTaskForMessage
	}
	ms := req.Params.AsInt64(0)
	return newSleepTask(ms), nil
}

func (c *coreModule) ifCmp(params rt.Value, result *rt.Value, wantEqual bool) status.Code {
	a := params.GetOr("a", rt.Null())
	b := params.GetOr("b", rt.Null())
	equal := valuesEqual(a, b)
	if equal != wantEqual {
		return status.Pass
	}
	cmd := params.GetOr("command", rt.Null()).AsString("")
	if cmd == "" {
		return status.OK
	}
	code, r := c.s.invokeCommand(cmd, params.GetOr("params", rt.Null()))
	*result = r
	return code
}

func valuesEqual(a, b rt.Value) bool {
	if a.Kind() != b.Kind() {
		return false
	}
	return a.String() == b.String()
}

func (c *coreModule) setOption(params rt.Value) status.Code {
	name := params.GetOr("name", rt.Null()).AsString("")
	val := params.GetOr("value", rt.Null()).AsBool(false)
	switch name {
	case "show_processing_time":
		c.s.LogProcTime = val
	case "log_messages":
		c.s.LogMessages = val
	default:
		return status.WrongParams
	}
	return status.OK
}

func (c *coreModule) forward(env envelope.Envelope, params rt.Value) status.Code {
	to := params.GetOr("to", rt.Null()).AsString("")
	a, err := addr.Parse(to)
	if err != nil {
		return status.WrongParams
	}
	cmd := params.GetOr("command", rt.Null()).AsString("")
	fwd := envelope.NewEnvelope(env.Sender, a, env.TimeoutMs, envelope.Request{
		ReqID:   env.Event.RequestID(),
		Command: cmd,
		Params:  params.GetOr("params", rt.Null()),
	})
	c.s.mutex.Lock()
	c.s.pending = append(c.s.pending, fwd)
	c.s.mutex.Unlock()
	return status.Forwarded
}

// advertise looks up the registry for the requested target and, when
// nothing is found, forwards to the directory with a continuation that
// preserves the original request-id for transparent reply routing
// (spec.md §4.4).
func (c *coreModule) advertise(env envelope.Envelope, params rt.Value, result *rt.Value) status.Code {
	target := params.GetOr("target", rt.Null()).AsString("")
	a, err := addr.Parse(target)
	if err != nil {
		return status.WrongParams
	}
	addrs, rerr := c.s.registry.Resolve(a, false)
	if rerr == nil && len(addrs) > 0 {
		list := make([]rt.Value, len(addrs))
		for i, s := range addrs {
			list[i] = rt.String(s)
		}
		*result = rt.Map(map[string]rt.Value{"addresses": rt.List(list...)})
		return status.OK
	}

	c.s.mutex.Lock()
	directory, has := c.s.directory, c.s.hasDirectory
	c.s.mutex.Unlock()
	if !has {
		return status.UnknownNode
	}
	fwd := envelope.NewEnvelope(env.Sender, directory, env.TimeoutMs, envelope.Request{
		ReqID:   env.Event.RequestID(),
		Command: "core.advertise",
		Params:  params,
	})
	c.s.mutex.Lock()
	c.s.pending = append(c.s.pending, fwd)
	c.s.mutex.Unlock()
	return status.Forwarded
}

func (c *coreModule) regNode(params rt.Value, result *rt.Value) status.Code {
	source := params.GetOr("source", rt.Null()).AsString("")
	target := params.GetOr("target", rt.Null()).AsString("")
	if target == "" {
		return status.WrongParams
	}
	if source == "" {
		id, err := uuidV1String()
		if err != nil {
			return status.Exception
		}
		source = id
	}
	kind := addr.KindName
	if a, err := addr.Parse(source); err == nil && a.Kind == addr.Role {
		kind = addr.KindRole
	}
	var features addr.Features
	if params.GetOr("public", rt.Null()).AsBool(false) {
		features |= addr.FeaturePublic
	}
	if params.GetOr("direct", rt.Null()).AsBool(false) {
		features |= addr.FeatureDirectContact
	}
	shareMs := params.GetOr("share_time", rt.Null()).AsInt64(0)
	var shareAt, endAt time.Time
	if shareMs > 0 {
		endAt = time.Now().Add(time.Duration(shareMs) * time.Millisecond)
	}
	handle := c.s.registry.Register(target, kind, features, shareAt, endAt)
	*result = rt.Map(map[string]rt.Value{"id": rt.String(handle), "source": rt.String(source)})
	return status.OK
}

func (c *coreModule) regNodeAt(params rt.Value) status.Code {
	execAt := params.GetOr("exec_at", rt.Null()).AsString("")
	a, err := addr.Parse(execAt)
	if err != nil {
		return status.WrongParams
	}
	source := params.GetOr("source_name", rt.Null()).AsString("")
	env := envelope.NewEnvelope(addr.Address{}, a, 0, envelope.Request{
		Command: "core.reg_node",
		Params: rt.Map(map[string]rt.Value{
			"source": rt.String(source),
			"target": rt.String(c.s.node),
		}),
	})
	c.s.mutex.Lock()
	c.s.pending = append(c.s.pending, env)
	c.s.mutex.Unlock()
	return status.OK
}

func (c *coreModule) regMap(params rt.Value) status.Code {
	sourceKey := params.GetOr("source_key", rt.Null()).AsString("")
	service := params.GetOr("service", rt.Null()).AsString("")
	if sourceKey == "" || service == "" {
		return status.WrongParams
	}
	c.s.registry.RegisterService(sourceKey, service)
	return status.OK
}

func (c *coreModule) importEnv(params rt.Value) status.Code {
	prefix := params.GetOr("prefix", rt.Null()).AsString("")
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || (prefix != "" && !strings.HasPrefix(k, prefix)) {
			continue
		}
		c.s.SetVar(k, rt.String(v))
	}
	return status.OK
}

func (c *coreModule) nodeCtl(f func(NodeController) error) status.Code {
	if c.s.NodeCtrl == nil {
		return status.WrongCfg
	}
	if err := f(c.s.NodeCtrl); err != nil {
		return status.Exception
	}
	return status.OK
}

func (c *coreModule) addGate(params rt.Value) status.Code {
	name := params.GetOr("factory", rt.Null()).AsString("")
	c.mutex.Lock()
	f, ok := c.gateFactories[name]
	c.mutex.Unlock()
	if !ok {
		return status.WrongCfg
	}
	g, err := f()
	if err != nil {
		return status.Exception
	}
	if params.GetOr("input", rt.Null()).AsBool(false) {
		if ig, ok := g.(gate.InputGate); ok {
			c.s.AddInputGate(ig)
		}
	}
	if params.GetOr("output", rt.Null()).AsBool(false) {
		if og, ok := g.(gate.OutputGate); ok {
			c.s.AddOutputGate(og)
		}
	}
	return status.OK
}

func statsToValue(st Stats) rt.Value {
	return rt.Map(map[string]rt.Value{
		"node":             rt.String(st.Node),
		"task_count":       rt.Int64(int64(st.TaskCount)),
		"pending_count":    rt.Int64(int64(st.PendingCount)),
		"outstanding_reqs": rt.Int64(int64(st.OutstandingReqs)),
		"avg_run_ms":       rt.Float64(st.AverageRunTimeMs),
	})
}

// invokeCommand dispatches a command inline against this scheduler's own
// modules, without going through the envelope/task machinery — the
// backing primitive for core.run/run_cmd and the if_equ/if_diff
// combinators.
func (s *Scheduler) invokeCommand(command string, params rt.Value) (status.Code, rt.Value) {
	iface, _, _ := strings.Cut(command, ".")
	s.mutex.Lock()
	mod, ok := s.modules[iface]
	s.mutex.Unlock()
	if !ok {
		return status.UnkMsg, rt.Null()
	}
	var result rt.Value
	code := mod.HandleMessage(command, params, &result)
	return code, result
}

// sleepTask is the task installed for core.sleep: it answers once its
// delay elapses.
type sleepTask struct {
	BaseTask
	ms      int64
	answered bool
	respond func(result, errBody rt.Value)
}

func newSleepTask(ms int64) *sleepTask {
	return &sleepTask{BaseTask: BaseTask{TaskID: "core.sleep-" + time.Now().Format("150405.000000000")}, ms: ms}
}

func (t *sleepTask) HandleMessage(env envelope.Envelope, respond func(result, errBody rt.Value)) {
	t.respond = respond
	t.SleepFor(time.Duration(t.ms) * time.Millisecond)
}

func (t *sleepTask) HandleResponse(envelope.Envelope) {}
func (t *sleepTask) AcceptsMessage(string) bool        { return false }

func (t *sleepTask) RunStep() {
	t.MarkRunning()
	if !t.IsSleeping() {
		if t.respond != nil && !t.answered {
			t.answered = true
			t.respond(rt.Null(), rt.Null())
		}
		t.MarkStopped()
	}
}

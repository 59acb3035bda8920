package filters

import (
	"encoding/json"

	"github.com/miguelrdp/iron/pkg/engine"
	"github.com/miguelrdp/iron/pkg/jsonrpc"
)

// Middleware answers the filter and subscription methods. Filters are scoped to the
// session that installed them.
func (r *Registry) Middleware() engine.Handler {
	router := engine.NewRouter()
	router.Handle("eth_newFilter", r.handleNewFilter)
	router.Handle("eth_newBlockFilter", r.handleNewBlockFilter)
	router.Handle("eth_newPendingTransactionFilter", r.handleNewPendingTransactionFilter)
	router.Handle("eth_getFilterChanges", r.handleGetFilterChanges)
	router.Handle("eth_getFilterLogs", r.handleGetFilterLogs)
	router.Handle("eth_uninstallFilter", r.handleUninstallFilter)
	router.Handle("eth_subscribe", r.handleSubscribe)
	router.Handle("eth_unsubscribe", r.handleUnsubscribe)
	return router.Middleware()
}

func (r *Registry) handleNewFilter(c *engine.Context) {
	var crit Criteria
	if err := bindRequired(c, 1, &crit); err != nil {
		c.Fail(err, "")
		return
	}
	id, err := r.NewLogFilter(c.Context, c.Session.ID, crit)
	if err != nil {
		c.Fail(err, "failed to install filter")
		return
	}
	c.Succeed(id)
}

func (r *Registry) handleNewBlockFilter(c *engine.Context) {
	id, err := r.NewBlockFilter(c.Context, c.Session.ID)
	if err != nil {
		c.Fail(err, "failed to install filter")
		return
	}
	c.Succeed(id)
}

func (r *Registry) handleNewPendingTransactionFilter(c *engine.Context) {
	id, err := r.NewPendingTransactionFilter(c.Context, c.Session.ID)
	if err != nil {
		c.Fail(err, "failed to install filter")
		return
	}
	c.Succeed(id)
}

func (r *Registry) handleGetFilterChanges(c *engine.Context) {
	var id string
	if err := bindRequired(c, 1, &id); err != nil {
		c.Fail(err, "")
		return
	}
	changes, err := r.Changes(c.Context, c.Session.ID, id)
	if err != nil {
		c.Fail(err, "failed to poll filter")
		return
	}
	c.Succeed(changes)
}

func (r *Registry) handleGetFilterLogs(c *engine.Context) {
	var id string
	if err := bindRequired(c, 1, &id); err != nil {
		c.Fail(err, "")
		return
	}
	logs, err := r.Logs(c.Context, c.Session.ID, id)
	if err != nil {
		c.Fail(err, "failed to query filter logs")
		return
	}
	c.Succeed(logs)
}

func (r *Registry) handleUninstallFilter(c *engine.Context) {
	var id string
	if err := bindRequired(c, 1, &id); err != nil {
		c.Fail(err, "")
		return
	}
	c.Succeed(r.Uninstall(c.Session.ID, id) == nil)
}

func (r *Registry) handleSubscribe(c *engine.Context) {
	params, err := c.Request.PositionalParams()
	if err != nil {
		c.Fail(err, "")
		return
	}
	if len(params) == 0 || len(params) > 2 {
		c.Fail(jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid params: expected subscription type and optional criteria"), "")
		return
	}

	var kind Kind
	var crit Criteria
	if err := c.BindParams(&kind, &crit); err != nil {
		c.Fail(err, "")
		return
	}
	if kind != KindLogs && len(params) == 2 && !isNull(params[1]) && !isEmptyObject(params[1]) {
		c.Fail(jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid params: %s takes no criteria", kind), "")
		return
	}

	id, err := r.Subscribe(c.Context, c.Session.ID, NotifyFunc(c.Session.Notify), kind, crit)
	if err != nil {
		c.Fail(err, "failed to subscribe")
		return
	}
	c.Succeed(id)
}

func (r *Registry) handleUnsubscribe(c *engine.Context) {
	var id string
	if err := bindRequired(c, 1, &id); err != nil {
		c.Fail(err, "")
		return
	}
	c.Succeed(r.Unsubscribe(c.Session.ID, id) == nil)
}

// bindRequired binds exactly n positional params.
func bindRequired(c *engine.Context, n int, dst ...any) error {
	params, err := c.Request.PositionalParams()
	if err != nil {
		return err
	}
	if len(params) != n {
		return jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid params: expected %d, got %d", n, len(params))
	}
	return c.BindParams(dst...)
}

func isEmptyObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil && len(obj) == 0
}

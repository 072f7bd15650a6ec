package addressbook

import (
	"github.com/celerix-dev/celerix-addressbook/internal/engine"
	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

// RequestOptions converts a client query into QueryOptions.
func RequestOptions(req schema.QueryRequest) QueryOptions {
	return QueryOptions{
		Filter:     req.Filter,
		FilterSpec: req.Spec,
		Sort:       req.Sort,
		Max:        req.Max,
		Sources:    req.Sources,
	}
}

// Info describes v to the client that opened it.
func Info(v *engine.View) schema.ViewInfo {
	info := schema.ViewInfo{ID: v.ID(), RejectedSort: v.Sort().Rejected()}
	if err := v.Err(); err != nil {
		info.Warning = err.Error()
	}
	return info
}

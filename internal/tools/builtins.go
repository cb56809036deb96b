package tools

import (
	"context"
	"fmt"
	"time"
)

// RegisterBuiltins installs the tools the gateway ships with. Deployments add
// their own via Register before the server starts.
func RegisterBuiltins(r *Registry) error {
	return r.Register(Tool{
		Name:        "get_current_time",
		Description: "Get the current date and time, optionally in a specific IANA timezone",
		Parameters: NewSchema().
			String("timezone", "IANA timezone name, e.g. Asia/Shanghai; defaults to the server timezone").
			Build(),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			now := time.Now()
			if tz, _ := args["timezone"].(string); tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
				now = now.In(loc)
			}
			return now.Format("2006-01-02 15:04:05 MST"), nil
		},
	})
}

package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/parleybot/parley/internal/tools"
	"github.com/parleybot/parley/pkg/models"
)

// timeNow is swapped in tests.
var timeNow = time.Now

// CurrentDatetime reports the current date and time, optionally in a
// requested IANA timezone.
func CurrentDatetime() (*models.Tool, tools.Handler) {
	def, err := models.NewTool("current_datetime", "Returns the current date and time.",
		models.ToolParameter{Type: models.TypeString, Name: "timezone", Description: "IANA timezone name, e.g. Europe/Berlin.", Optional: true},
	)
	if err != nil {
		panic(err)
	}

	handler := func(_ context.Context, args map[string]any) (string, error) {
		now := timeNow()
		if tz, ok := args["timezone"].(string); ok && tz != "" {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return "", fmt.Errorf("unknown timezone %q", tz)
			}
			now = now.In(loc)
		}
		return now.Format("Monday, 2 January 2006, 15:04:05 MST"), nil
	}

	return def, handler
}

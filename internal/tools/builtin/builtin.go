// Package builtin provides the stock tools a default deployment offers:
// internet search, Wikipedia lookup, a calculator, and the current time.
package builtin

import (
	"net/http"
	"time"

	"github.com/parleybot/parley/internal/tools"
)

// defaultTimeout bounds outbound tool requests.
const defaultTimeout = 10 * time.Second

// RegisterAll adds every builtin tool to the registry. A nil client gets
// a default with a request timeout.
func RegisterAll(reg *tools.Registry, client *http.Client) error {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	for _, register := range []func() error{
		func() error { def, h := InternetSearch(client); return reg.Register(def, h) },
		func() error { def, h := Wikipedia(client); return reg.Register(def, h) },
		func() error { def, h := Calculator(); return reg.Register(def, h) },
		func() error { def, h := CurrentDatetime(); return reg.Register(def, h) },
	} {
		if err := register(); err != nil {
			return err
		}
	}
	return nil
}

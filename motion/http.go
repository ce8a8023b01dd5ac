package motion

import (
	"context"
	"net/http"

	"github.com/mxlab/flyscan/generichttp"
)

// HTTPWrapper exposes the state of a Controller over HTTP
type HTTPWrapper struct {
	*Controller

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(c *Controller) HTTPWrapper {
	w := HTTPWrapper{Controller: c}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/motion/state"}: generichttp.GetString(func() (string, error) {
			return c.State().String(), nil
		}),
		{Method: http.MethodGet, Path: "/motion/counter"}: generichttp.GetInt(func() (int, error) {
			return c.Program.PositionCounter(context.Background())
		}),
		{Method: http.MethodGet, Path: "/motion/valid"}: generichttp.GetBool(func() (bool, error) {
			return c.Program.ProgramValid(context.Background())
		}),
	}
	return w
}

// RT satisfies the generichttp.HTTPer interface
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

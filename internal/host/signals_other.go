//go:build !unix

package host

import "context"

func (h *Host) watchSignals(context.Context) func() { return func() {} }

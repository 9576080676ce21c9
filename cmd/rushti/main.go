package main

import (
	"fmt"
	"os"

	"github.com/cubewise-code/rushti/internal/errs"
)

func main() {
	if err := NewCLI().Exec(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code := 1
		if ae, ok := as(err); ok {
			code = errs.ExitCode(ae.Kind)
		}
		os.Exit(code)
	}
}

// as unwraps err looking for an *errs.Error, without importing errors.As
// twice across files - kept local since it's used only here.
func as(err error) (*errs.Error, bool) {
	for err != nil {
		if ae, ok := err.(*errs.Error); ok {
			return ae, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

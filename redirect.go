package livepatch

import (
	"reflect"
)

// Redirect makes every call to from run to instead and returns the applied
// patch. from and to must be funcs of the same type. Closing the patch
// undoes the redirection.
//
// The compiler may inline from at call sites, which the patch cannot reach;
// mark it //go:noinline.
func (e *Engine) Redirect(from, to interface{}) (*Patch, error) {
	vf := reflect.ValueOf(from)
	vt := reflect.ValueOf(to)
	if !vf.IsValid() || !vt.IsValid() {
		return nil, ErrInputType
	}
	if vf.Type() != vt.Type() {
		return nil, ErrDifferentType
	}
	if vf.Kind() != reflect.Func {
		return nil, ErrInputType
	}
	return e.RedirectRaw(Address(vf.Pointer()), Address(vt.Pointer()))
}

// RedirectRaw is Redirect for code addresses.
func (e *Engine) RedirectRaw(from, to Address) (*Patch, error) {
	p, err := e.CreateJump(from, to)
	if err != nil {
		return nil, err
	}
	if err := p.Apply(); err != nil {
		return nil, err
	}
	return p, nil
}

package web

import "fmt"

// BindError means the listening socket could not be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to listen on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// CertificateLoadError means the certificate/key pair is missing, corrupt
// or mismatched.
type CertificateLoadError struct {
	CertFile string
	KeyFile  string
	Err      error
}

func (e *CertificateLoadError) Error() string {
	return fmt.Sprintf("failed to load certificate %s with key %s: %v", e.CertFile, e.KeyFile, e.Err)
}

func (e *CertificateLoadError) Unwrap() error { return e.Err }

// DocumentRootError means the directory to serve is missing or unusable.
type DocumentRootError struct {
	Dir string
	Err error
}

func (e *DocumentRootError) Error() string {
	return fmt.Sprintf("invalid document root %s: %v", e.Dir, e.Err)
}

func (e *DocumentRootError) Unwrap() error { return e.Err }

// Package shared holds the operator CLI's global flag state and API client
// helper, following the teacher's internal/commands/shared package shape:
// flag pointers registered once on the root command, read back through
// package-level getters by every subcommand.
package shared

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"

	"github.com/apphub/catalog/pkg/httpclient"
)

// PrintJSON writes v to w as indented JSON, for "--json" output mode.
func PrintJSON(w io.Writer, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(encoded))
	return err
}

var (
	addrFlag    string
	jsonFlag    bool
	verboseFlag bool

	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlagPointers returns the pointers the root command binds its
// persistent flags to.
func RegisterFlagPointers() (addr *string, jsonOut *bool, verbose *bool) {
	return &addrFlag, &jsonFlag, &verboseFlag
}

// SetVersion records build-time version metadata for "catalogctl version".
func SetVersion(v, c, b string) { version, commit, buildDate = v, c, b }

// GetVersion returns build-time version metadata.
func GetVersion() (string, string, string) { return version, commit, buildDate }

// GetJSON reports whether --json output was requested.
func GetJSON() bool { return jsonFlag }

// GetVerbose reports whether --verbose output was requested.
func GetVerbose() bool { return verboseFlag }

// Addr returns the configured catalogd base URL, defaulting to
// CATALOG_ADDR then localhost.
func Addr() string {
	if addrFlag != "" {
		return addrFlag
	}
	if v := os.Getenv("CATALOG_ADDR"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

// ExitError is an error that carries a process exit code, mirroring the
// teacher's shared.ExitError.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Cause }

// Exit codes, matching sysexits.h categories the teacher's CLI uses.
const (
	ExitSuccess     = 0
	ExitAPIError    = 1
	ExitUsageError  = 2
	ExitNetworkFail = 69 // EX_UNAVAILABLE
)

// HandleExitError prints err (if any) to stderr and exits with its code,
// defaulting to ExitAPIError for a plain error.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	var exitErr *ExitError
	if ok := asExitError(err, &exitErr); ok {
		fmt.Fprintln(os.Stderr, "Error:", exitErr.Error())
		os.Exit(exitErr.Code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	os.Exit(ExitAPIError)
}

func asExitError(err error, target **ExitError) bool {
	for err != nil {
		if e, ok := err.(*ExitError); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// Request issues an HTTP request against the configured catalogd instance
// and decodes a JSON response body into out (skipped if out is nil).
func Request(method, path string, query map[string]string, body any, out any) error {
	u, err := url.Parse(Addr() + path)
	if err != nil {
		return &ExitError{Code: ExitUsageError, Message: "invalid catalogd address", Cause: err}
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			if v != "" {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &ExitError{Code: ExitUsageError, Message: "encoding request body", Cause: err}
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, u.String(), bodyReader)
	if err != nil {
		return &ExitError{Code: ExitUsageError, Message: "building request", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return do(req, out)
}

// MultipartField describes one file field in a RequestMultipart call.
type MultipartField struct {
	FieldName string
	FileName  string
	Content   []byte
}

// RequestMultipart posts a multipart/form-data body built from formFields
// and files to path, decoding a JSON response body into out. Used for
// bundle publish, which uploads an artifact alongside its manifest.
func RequestMultipart(method, path string, query map[string]string, formFields map[string]string, files []MultipartField, out any) error {
	u, err := url.Parse(Addr() + path)
	if err != nil {
		return &ExitError{Code: ExitUsageError, Message: "invalid catalogd address", Cause: err}
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			if v != "" {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range formFields {
		if err := mw.WriteField(k, v); err != nil {
			return &ExitError{Code: ExitUsageError, Message: "encoding form field " + k, Cause: err}
		}
	}
	for _, f := range files {
		part, err := mw.CreateFormFile(f.FieldName, f.FileName)
		if err != nil {
			return &ExitError{Code: ExitUsageError, Message: "encoding file field " + f.FieldName, Cause: err}
		}
		if _, err := part.Write(f.Content); err != nil {
			return &ExitError{Code: ExitUsageError, Message: "writing file field " + f.FieldName, Cause: err}
		}
	}
	if err := mw.Close(); err != nil {
		return &ExitError{Code: ExitUsageError, Message: "closing multipart body", Cause: err}
	}

	req, err := http.NewRequest(method, u.String(), &buf)
	if err != nil {
		return &ExitError{Code: ExitUsageError, Message: "building request", Cause: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return do(req, out)
}

func do(req *http.Request, out any) error {
	cfg := httpclient.DefaultConfig()
	cfg.UserAgent = "catalogctl/" + version
	client, err := httpclient.New(cfg)
	if err != nil {
		client = &http.Client{}
	}

	resp, err := client.Do(req)
	if err != nil {
		return &ExitError{Code: ExitNetworkFail, Message: "request to catalogd failed", Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ExitError{Code: ExitAPIError, Message: "reading response body", Cause: err}
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &apiErr)
		msg := apiErr.Error
		if msg == "" {
			msg = string(respBody)
		}
		return &ExitError{Code: ExitAPIError, Message: fmt.Sprintf("catalogd returned %d: %s", resp.StatusCode, msg)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &ExitError{Code: ExitAPIError, Message: "decoding response body", Cause: err}
		}
	}
	return nil
}

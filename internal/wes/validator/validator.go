// Package validator turns a POST /runs request body — multipart or JSON —
// into a canonical model.RunRequest, or a structured apierr.Error (spec
// §4.2, C2).
package validator

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/model"
)

// Attachment is a workflow_attachment entry with bytes already read from the
// multipart part. Fetched workflow_attachment_obj entries are resolved by
// the caller (the HTTP handler, which owns the outbound-fetch timeout/retry
// policy of spec §5) before being appended alongside these.
type Attachment struct {
	FileName string
	Content  []byte
}

// RegisteredWorkflow is one entry of the registered-only-mode workflow list
// (SPEC_FULL §"registered-only mode", grounded on
// original_source/sapporo/run.py).
type RegisteredWorkflow struct {
	WorkflowURL              string
	WorkflowType             model.WorkflowType
	WorkflowTypeVersion      string
	WorkflowEngine           model.WorkflowEngine
	WorkflowEngineParameters map[string]string
}

// Config is everything the Validator needs from service configuration.
type Config struct {
	ExecutableWorkflows      []string // absolute http(s) URLs; empty = unrestricted
	RegisteredOnlyMode       bool
	RegisteredWorkflows      map[string]RegisteredWorkflow // keyed by workflow_name
	MaxAttachmentBytes       int64
	MaxAttachmentCount       int
	SupportedTypeVersions    map[model.WorkflowType][]string
	RequireTypeVersion       bool // true for WES 2.1 semantics (spec §4.2)
	DefaultEngineParameters  map[model.WorkflowEngine]map[string]string
}

// DefaultConfig mirrors original_source/sapporo/validator.py's constants.
func DefaultConfig() Config {
	return Config{
		MaxAttachmentBytes: 10 * 1024 * 1024 * 1024, // 10 GiB
		MaxAttachmentCount: 1000,
	}
}

// Validator validates and canonicalizes run submissions.
type Validator struct {
	cfg Config
}

// New builds a Validator bound to the given configuration.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Result is the canonical outcome of validating a submission.
type Result struct {
	Request        model.RunRequest
	WorkflowParams json.RawMessage
	Attachments    []Attachment
}

// ValidateJSON validates an application/json POST /runs body.
func (v *Validator) ValidateJSON(body []byte) (*Result, error) {
	var raw jsonBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apierr.New(apierr.KindInvalidRequest, "malformed JSON body")
	}
	req := model.RunRequest{
		WorkflowType:          model.WorkflowType(strings.ToUpper(raw.WorkflowType)),
		WorkflowTypeVersion:   raw.WorkflowTypeVersion,
		WorkflowURL:           raw.WorkflowURL,
		WorkflowEngine:        model.WorkflowEngine(strings.ToLower(raw.WorkflowEngine)),
		WorkflowEngineVersion: raw.WorkflowEngineVersion,
	}

	params, err := normalizeJSONOrString(raw.WorkflowParams)
	if err != nil {
		return nil, apierr.New(apierr.KindInvalidRequest, "workflow_params must be a JSON object or a JSON-encoded object string")
	}

	engineParams, err := decodeStringMap(raw.WorkflowEngineParameters)
	if err != nil {
		return nil, apierr.New(apierr.KindInvalidRequest, "workflow_engine_parameters must be an object of string to string")
	}
	req.WorkflowEngineParameters = engineParams

	tags, err := decodeStringMap(raw.Tags)
	if err != nil {
		return nil, apierr.New(apierr.KindInvalidRequest, "tags must be an object of string to string")
	}
	req.Tags = tags

	var attachments []Attachment
	if len(raw.WorkflowAttachmentObj) > 0 {
		var objs []model.FileObject
		if err := json.Unmarshal(raw.WorkflowAttachmentObj, &objs); err != nil {
			return nil, apierr.New(apierr.KindInvalidRequest, "workflow_attachment_obj must be a list of {file_name, file_url}")
		}
		for _, o := range objs {
			if err := ValidateAttachmentName(o.FileName); err != nil {
				return nil, err
			}
		}
		req.WorkflowAttachment = objs
	}

	return v.finish(req, params, attachments)
}

// ValidateMultipart validates a multipart/form-data POST /runs body already
// parsed by the caller via r.ParseMultipartForm.
func (v *Validator) ValidateMultipart(r *http.Request) (*Result, error) {
	form := r.MultipartForm
	if form == nil {
		return nil, apierr.New(apierr.KindInvalidRequest, "missing multipart form")
	}
	get := func(key string) string {
		if vs := form.Value[key]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	req := model.RunRequest{
		WorkflowType:          model.WorkflowType(strings.ToUpper(get("workflow_type"))),
		WorkflowTypeVersion:   get("workflow_type_version"),
		WorkflowURL:           get("workflow_url"),
		WorkflowEngine:        model.WorkflowEngine(strings.ToLower(get("workflow_engine"))),
		WorkflowEngineVersion: get("workflow_engine_version"),
	}

	params, err := normalizeJSONOrString(json.RawMessage(get("workflow_params")))
	if err != nil {
		return nil, apierr.New(apierr.KindInvalidRequest, "workflow_params must be a JSON object or a JSON-encoded object string")
	}

	engineParams, err := decodeStringMap(json.RawMessage(get("workflow_engine_parameters")))
	if err != nil {
		return nil, apierr.New(apierr.KindInvalidRequest, "workflow_engine_parameters must be an object of string to string")
	}
	req.WorkflowEngineParameters = engineParams

	tags, err := decodeStringMap(json.RawMessage(get("tags")))
	if err != nil {
		return nil, apierr.New(apierr.KindInvalidRequest, "tags must be an object of string to string")
	}
	req.Tags = tags

	var attachments []Attachment
	var total int64
	for _, part := range form.File["workflow_attachment"] {
		if err := ValidateAttachmentName(part.Filename); err != nil {
			return nil, err
		}
		content, readErr := readMultipartFile(part)
		if readErr != nil {
			return nil, apierr.Wrap(apierr.KindStorageIO, "read attachment "+part.Filename, readErr)
		}
		total += int64(len(content))
		if total > v.cfg.MaxAttachmentBytes {
			return nil, apierr.New(apierr.KindInvalidRequest, "workflow_attachment exceeds the maximum total size")
		}
		if len(attachments)+1 > v.cfg.MaxAttachmentCount {
			return nil, apierr.New(apierr.KindInvalidRequest, "workflow_attachment exceeds the maximum file count")
		}
		attachments = append(attachments, Attachment{FileName: filepathClean(part.Filename), Content: content})
		req.WorkflowAttachment = append(req.WorkflowAttachment, model.FileObject{
			FileName: filepathClean(part.Filename),
			FileURL:  filepathClean(part.Filename),
		})
	}

	if objRaw := get("workflow_attachment_obj"); objRaw != "" {
		var objs []model.FileObject
		if err := json.Unmarshal([]byte(objRaw), &objs); err != nil {
			return nil, apierr.New(apierr.KindInvalidRequest, "workflow_attachment_obj must be a list of {file_name, file_url}")
		}
		for _, o := range objs {
			if err := ValidateAttachmentName(o.FileName); err != nil {
				return nil, err
			}
		}
		req.WorkflowAttachment = append(req.WorkflowAttachment, objs...)
	}

	return v.finish(req, params, attachments)
}

func (v *Validator) finish(req model.RunRequest, params json.RawMessage, attachments []Attachment) (*Result, error) {
	if v.cfg.RegisteredOnlyMode {
		reg, ok := v.cfg.RegisteredWorkflows[req.WorkflowURL]
		if !ok {
			return nil, apierr.New(apierr.KindInvalidRequest, "workflow_url is not a registered workflow name")
		}
		req.WorkflowURL = reg.WorkflowURL
		req.WorkflowType = reg.WorkflowType
		req.WorkflowEngine = reg.WorkflowEngine
		if req.WorkflowTypeVersion == "" {
			req.WorkflowTypeVersion = reg.WorkflowTypeVersion
		}
		req.WorkflowEngineParameters = mergeDefaults(reg.WorkflowEngineParameters, req.WorkflowEngineParameters)
	}

	if req.WorkflowType == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "workflow_type is required")
	}
	if req.WorkflowEngine == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "workflow_engine is required")
	}
	if req.WorkflowURL == "" && len(req.WorkflowAttachment) == 0 {
		return nil, apierr.New(apierr.KindInvalidRequest, "workflow_url is required when no attachment supplies it")
	}
	if v.cfg.RequireTypeVersion && req.WorkflowTypeVersion == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "workflow_type_version is required")
	}

	accepted, ok := model.EngineTypeCompatibility[req.WorkflowEngine]
	if !ok {
		return nil, apierr.New(apierr.KindInvalidRequest, fmt.Sprintf("unknown workflow_engine %q", req.WorkflowEngine))
	}
	if !containsType(accepted, req.WorkflowType) {
		return nil, apierr.New(apierr.KindInvalidRequest, fmt.Sprintf(
			"workflow_engine %q does not accept workflow_type %q", req.WorkflowEngine, req.WorkflowType))
	}

	if len(v.cfg.SupportedTypeVersions) > 0 {
		if versions, ok := v.cfg.SupportedTypeVersions[req.WorkflowType]; ok && req.WorkflowTypeVersion != "" {
			if !containsString(versions, req.WorkflowTypeVersion) {
				return nil, apierr.New(apierr.KindInvalidRequest, "workflow_type_version does not match a supported version for workflow_type")
			}
		}
	}

	if err := v.enforceWhitelist(req.WorkflowURL, req.WorkflowAttachment); err != nil {
		return nil, err
	}

	if defaults, ok := v.cfg.DefaultEngineParameters[req.WorkflowEngine]; ok {
		req.WorkflowEngineParameters = mergeDefaults(defaults, req.WorkflowEngineParameters)
	}

	return &Result{Request: req, WorkflowParams: params, Attachments: attachments}, nil
}

// enforceWhitelist implements spec §4.2 and P6/S1: when non-empty, only an
// absolute http(s) URL exactly matching an entry is accepted; a URL that
// merely resolves relative to an attachment is rejected outright in
// whitelist mode.
func (v *Validator) enforceWhitelist(workflowURL string, attachments []model.FileObject) error {
	if len(v.cfg.ExecutableWorkflows) == 0 {
		return nil
	}
	u, err := url.Parse(workflowURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || !u.IsAbs() {
		return apierr.New(apierr.KindInvalidRequest, "workflow_url not in executable workflows")
	}
	for _, allowed := range v.cfg.ExecutableWorkflows {
		if workflowURL == allowed {
			return nil
		}
	}
	return apierr.New(apierr.KindInvalidRequest, "workflow_url not in executable workflows")
}

// ValidateAttachmentName enforces spec §4.2's attachment safety rule and B2:
// no ".." segment, no leading "/", no backslash.
func ValidateAttachmentName(name string) error {
	if name == "" {
		return apierr.New(apierr.KindInvalidRequest, "file_name must not be empty")
	}
	if strings.Contains(name, "\\") {
		return apierr.New(apierr.KindInvalidRequest, "file_name must not contain backslashes")
	}
	if strings.HasPrefix(name, "/") {
		return apierr.New(apierr.KindInvalidRequest, "file_name must be relative")
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return apierr.New(apierr.KindInvalidRequest, "file_name must not contain .. segments")
		}
	}
	return nil
}

func containsType(list []model.WorkflowType, t model.WorkflowType) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func mergeDefaults(defaults, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func filepathClean(name string) string {
	name = strings.TrimPrefix(name, "/")
	return strings.ReplaceAll(name, "\\", "/")
}

func readMultipartFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, 0, fh.Size)
	tmp := make([]byte, 32*1024)
	for {
		n, readErr := f.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if readErr != nil {
			break
		}
	}
	return buf, nil
}

// jsonBody is the wire shape of a JSON POST /runs request before dual-form
// normalization (spec §4.2: several fields accept either a native JSON
// value or a JSON-encoded string of that value, to stay compatible with
// clients that only submit multipart forms).
type jsonBody struct {
	WorkflowType             string          `json:"workflow_type"`
	WorkflowTypeVersion      string          `json:"workflow_type_version"`
	WorkflowURL              string          `json:"workflow_url"`
	WorkflowEngine           string          `json:"workflow_engine"`
	WorkflowEngineVersion    string          `json:"workflow_engine_version"`
	WorkflowParams           json.RawMessage `json:"workflow_params"`
	WorkflowEngineParameters json.RawMessage `json:"workflow_engine_parameters"`
	WorkflowAttachmentObj    json.RawMessage `json:"workflow_attachment_obj"`
	Tags                     json.RawMessage `json:"tags"`
}

// normalizeJSONOrString accepts either a JSON object or a JSON string
// containing an encoded object, and returns the canonical object bytes.
func normalizeJSONOrString(raw json.RawMessage) (json.RawMessage, error) {
	raw = trimJSON(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, err
		}
		if inner == "" {
			return nil, nil
		}
		if !json.Valid([]byte(inner)) {
			return nil, fmt.Errorf("not valid JSON")
		}
		return json.RawMessage(inner), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("not valid JSON")
	}
	return raw, nil
}

func decodeStringMap(raw json.RawMessage) (map[string]string, error) {
	normalized, err := normalizeJSONOrString(raw)
	if err != nil || len(normalized) == 0 {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(normalized, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func trimJSON(raw json.RawMessage) json.RawMessage {
	return json.RawMessage(strings.TrimSpace(string(raw)))
}

// EnumSource is the subset of api/openapi.Document the matrix check needs.
// Declared here so this package depends on a shape, not the openapi package.
type EnumSource interface {
	EnumStrings(schemaName string) []string
}

// CheckEngineTypeMatrix cross-checks model.EngineTypeCompatibility's engines
// and workflow types against the embedded OpenAPI document's
// WorkflowEngineEnum/WorkflowTypeEnum schemas, so the hardcoded acceptance
// matrix cannot silently drift from the document a client's generated
// bindings validate against. It returns one description per mismatch found;
// a nil/empty result means the two sources agree. doc may be nil (embedded
// document failed to load), in which case the check is skipped.
func CheckEngineTypeMatrix(doc EnumSource) []string {
	if doc == nil {
		return nil
	}
	engines := doc.EnumStrings("WorkflowEngineEnum")
	types := doc.EnumStrings("WorkflowTypeEnum")
	if len(engines) == 0 || len(types) == 0 {
		return nil
	}

	var drift []string
	for engine, accepted := range model.EngineTypeCompatibility {
		if !containsString(engines, string(engine)) {
			drift = append(drift, fmt.Sprintf("engine %q is in EngineTypeCompatibility but not in WorkflowEngineEnum", engine))
		}
		for _, t := range accepted {
			if !containsString(types, string(t)) {
				drift = append(drift, fmt.Sprintf("workflow type %q (accepted by engine %q) is not in WorkflowTypeEnum", t, engine))
			}
		}
	}
	for _, e := range engines {
		if _, ok := model.EngineTypeCompatibility[model.WorkflowEngine(e)]; !ok {
			drift = append(drift, fmt.Sprintf("engine %q is in WorkflowEngineEnum but not in EngineTypeCompatibility", e))
		}
	}
	return drift
}

package validator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sapporo/internal/wes/apierr"
)

func TestValidateJSONAcceptsMinimalCWLRun(t *testing.T) {
	v := New(DefaultConfig())
	body := []byte(`{
		"workflow_type": "cwl",
		"workflow_type_version": "v1.2",
		"workflow_engine": "cwltool",
		"workflow_url": "https://example.org/wf.cwl",
		"workflow_params": {"x": 1},
		"tags": {"env": "dev"}
	}`)

	res, err := v.ValidateJSON(body)
	require.NoError(t, err)
	require.Equal(t, "CWL", string(res.Request.WorkflowType))
	require.Equal(t, "dev", res.Request.Tags["env"])
	require.JSONEq(t, `{"x":1}`, string(res.WorkflowParams))
}

func TestValidateJSONAcceptsStringEncodedParams(t *testing.T) {
	v := New(DefaultConfig())
	body := []byte(`{
		"workflow_type": "cwl",
		"workflow_engine": "cwltool",
		"workflow_url": "https://example.org/wf.cwl",
		"workflow_params": "{\"x\": 1}"
	}`)

	res, err := v.ValidateJSON(body)
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(res.WorkflowParams))
}

func TestValidateJSONRejectsIncompatibleEngineType(t *testing.T) {
	v := New(DefaultConfig())
	body := []byte(`{
		"workflow_type": "WDL",
		"workflow_engine": "cwltool",
		"workflow_url": "https://example.org/wf.wdl"
	}`)

	_, err := v.ValidateJSON(body)
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindInvalidRequest, e.Kind)
}

func TestValidateJSONEnforcesWhitelist(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExecutableWorkflows = []string{"https://example.org/allowed.cwl"}
	v := New(cfg)

	body := []byte(`{
		"workflow_type": "cwl",
		"workflow_engine": "cwltool",
		"workflow_url": "https://example.org/not-allowed.cwl"
	}`)
	_, err := v.ValidateJSON(body)
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindInvalidRequest, e.Kind)

	body = []byte(`{
		"workflow_type": "cwl",
		"workflow_engine": "cwltool",
		"workflow_url": "https://example.org/allowed.cwl"
	}`)
	_, err = v.ValidateJSON(body)
	require.NoError(t, err)
}

func TestValidateAttachmentNameRejectsEscapes(t *testing.T) {
	require.NoError(t, ValidateAttachmentName("sub/dir/file.txt"))
	require.Error(t, ValidateAttachmentName("../escape.txt"))
	require.Error(t, ValidateAttachmentName("/abs.txt"))
	require.Error(t, ValidateAttachmentName("win\\path.txt"))
	require.Error(t, ValidateAttachmentName(""))
}

func TestRegisteredOnlyModeSubstitutesRegisteredValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RegisteredOnlyMode = true
	cfg.RegisteredWorkflows = map[string]RegisteredWorkflow{
		"trimming": {
			WorkflowURL:         "https://example.org/trimming.cwl",
			WorkflowType:        "CWL",
			WorkflowTypeVersion: "v1.2",
			WorkflowEngine:      "cwltool",
			WorkflowEngineParameters: map[string]string{
				"--outdir": "/tmp/out",
			},
		},
	}
	v := New(cfg)

	body := []byte(`{"workflow_url": "trimming"}`)
	res, err := v.ValidateJSON(body)
	require.NoError(t, err)
	require.Equal(t, "https://example.org/trimming.cwl", res.Request.WorkflowURL)
	require.Equal(t, "/tmp/out", res.Request.WorkflowEngineParameters["--outdir"])
}

func TestRegisteredOnlyModeRejectsUnknownName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RegisteredOnlyMode = true
	cfg.RegisteredWorkflows = map[string]RegisteredWorkflow{}
	v := New(cfg)

	_, err := v.ValidateJSON([]byte(`{"workflow_url": "unknown"}`))
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindInvalidRequest, e.Kind)
}

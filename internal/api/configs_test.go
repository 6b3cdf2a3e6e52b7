package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/docdex/internal/discovery"
	"github.com/kalambet/docdex/internal/storage"
)

func TestCreatePromptConfig(t *testing.T) {
	env := setupAPI(t)

	body := `{"doc_type":"invoice","display_name":"Invoices v1","instructions":"Extract line items as table chunks.","chunk_strategy":"by_section","activate":true}`
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/prompt-configs", body, testToken))

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusCreated, rr.Body.String())
	}

	var cfg promptConfigJSON
	if err := json.NewDecoder(rr.Body).Decode(&cfg); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if cfg.ID == "" {
		t.Fatal("response missing id")
	}
	if cfg.DocType != "invoice" {
		t.Errorf("doc_type = %q, want %q", cfg.DocType, "invoice")
	}
	if cfg.Version != 1 {
		t.Errorf("version = %d, want 1", cfg.Version)
	}
	if !cfg.IsDefault {
		t.Error("is_default = false, want true for activate=true")
	}

	// A second version for the same doc type.
	body = `{"doc_type":"invoice","instructions":"Revised instructions."}`
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/prompt-configs", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("second create status = %d, want %d; body = %s", rr.Code, http.StatusCreated, rr.Body.String())
	}
	var second promptConfigJSON
	json.NewDecoder(rr.Body).Decode(&second)
	if second.Version != 2 {
		t.Errorf("second version = %d, want 2", second.Version)
	}
	if second.IsDefault {
		t.Error("second config is_default = true, want false without activate")
	}
}

func TestCreatePromptConfig_Validation(t *testing.T) {
	env := setupAPI(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing doc_type", `{"instructions":"x"}`, "doc_type is required"},
		{"missing instructions", `{"doc_type":"invoice"}`, "instructions is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/prompt-configs", tt.body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
			}
			if !strings.Contains(rr.Body.String(), tt.want) {
				t.Errorf("body = %s, want %q", rr.Body.String(), tt.want)
			}
		})
	}
}

func TestListPromptConfigs(t *testing.T) {
	env := setupAPI(t)
	for _, body := range []string{
		`{"doc_type":"invoice","instructions":"a"}`,
		`{"doc_type":"invoice","instructions":"b"}`,
		`{"doc_type":"receipt","instructions":"c"}`,
	} {
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/prompt-configs", body, testToken))
		if rr.Code != http.StatusCreated {
			t.Fatalf("seeding config: status = %d; body = %s", rr.Code, rr.Body.String())
		}
	}

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/prompt-configs?doc_type=invoice", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var filtered []promptConfigJSON
	json.NewDecoder(rr.Body).Decode(&filtered)
	if len(filtered) != 2 {
		t.Fatalf("got %d invoice configs, want 2", len(filtered))
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/prompt-configs", "", testToken))
	var all []promptConfigJSON
	json.NewDecoder(rr.Body).Decode(&all)
	if len(all) != 3 {
		t.Fatalf("got %d configs, want 3", len(all))
	}
}

func TestActivatePromptConfig(t *testing.T) {
	env := setupAPI(t)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/prompt-configs",
		`{"doc_type":"invoice","instructions":"x"}`, testToken))
	var cfg promptConfigJSON
	json.NewDecoder(rr.Body).Decode(&cfg)

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/prompt-configs/"+cfg.ID+"/activate", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "activated") {
		t.Errorf("body = %s, want activated status", rr.Body.String())
	}
}

func TestActivatePromptConfig_NotFound(t *testing.T) {
	env := setupAPI(t)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/prompt-configs/nonexistent/activate", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestDiscover(t *testing.T) {
	env := setupAPI(t)
	env.discovery.session = discovery.Session{
		Proposal: discovery.Proposal{
			DocType:       "insurance_policy",
			DisplayName:   "Insurance policies",
			Instructions:  "Chunk by coverage section.",
			ChunkStrategy: "by_section",
		},
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/discovery", uploadBody(nil), testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp discoverySessionJSON
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.SessionID != "sess-1" {
		t.Errorf("session_id = %q, want %q", resp.SessionID, "sess-1")
	}
	if resp.Filename != "report.pdf" {
		t.Errorf("filename = %q, want %q", resp.Filename, "report.pdf")
	}
	if resp.Proposal.DocType != "insurance_policy" {
		t.Errorf("proposal doc_type = %q, want %q", resp.Proposal.DocType, "insurance_policy")
	}
}

func TestDiscover_UnparseablePDF(t *testing.T) {
	env := setupAPI(t)

	content := base64.StdEncoding.EncodeToString([]byte("not a pdf at all"))
	body := `{"filename":"x.pdf","content":"` + content + `"}`
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/discovery", body, testToken))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusBadRequest, rr.Body.String())
	}
}

func TestApproveDiscovery(t *testing.T) {
	env := setupAPI(t)
	env.discovery.cfg = storage.PromptConfig{
		ID:            "cfg-new",
		DocType:       "insurance_policy",
		DisplayName:   "Insurance policies",
		Instructions:  "Chunk by coverage section.",
		ChunkStrategy: "by_section",
		Version:       1,
		IsActive:      true,
		IsDefault:     true,
	}

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/discovery/sess-1/approve", "", testToken))

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusCreated, rr.Body.String())
	}
	if env.discovery.approvedID != "sess-1" {
		t.Errorf("approved session = %q, want %q", env.discovery.approvedID, "sess-1")
	}

	var cfg promptConfigJSON
	json.NewDecoder(rr.Body).Decode(&cfg)
	if cfg.ID != "cfg-new" {
		t.Errorf("id = %q, want %q", cfg.ID, "cfg-new")
	}
	if !cfg.IsDefault {
		t.Error("is_default = false, want true")
	}
}

func TestApproveDiscovery_NotFound(t *testing.T) {
	env := setupAPI(t)
	env.discovery.approveErr = discovery.ErrNotFound

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/discovery/expired/approve", "", testToken))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
	if !strings.Contains(rr.Body.String(), "not found or expired") {
		t.Errorf("body = %s, want expiry message", rr.Body.String())
	}
}

func TestApproveDiscovery_InvalidProposal(t *testing.T) {
	env := setupAPI(t)
	env.discovery.approveErr = errors.New("proposal has no instructions")

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/discovery/sess-bad/approve", "", testToken))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusBadRequest, rr.Body.String())
	}
}

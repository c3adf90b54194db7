package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/tbourn/reachmix-backend/internal/domain"
	"github.com/tbourn/reachmix-backend/internal/http/middleware"
	"github.com/tbourn/reachmix-backend/internal/services"
)

func TestCreateProject(t *testing.T) {
	var gotIn services.CreateProjectInput
	var gotKey string
	sp := &stubProjects{create: func(in services.CreateProjectInput, key string) (*domain.Project, bool, error) {
		gotIn, gotKey = in, key
		return &domain.Project{ID: "p1", Name: in.Name, Type: in.Type}, false, nil
	}}
	r := newTestRouter(New(Deps{Projects: sp}))

	w := do(t, r, http.MethodPost, "/projects", "u1", CreateProjectRequest{
		Name: "Calc", Description: "basic calculator", Type: "translate", Languages: []string{"fr"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if p := decode[domain.Project](t, w); p.ID != "p1" || p.Name != "Calc" {
		t.Fatalf("body = %+v", p)
	}
	if gotIn.Type != "translate" || len(gotIn.Languages) != 1 || gotKey != "" {
		t.Fatalf("input = %+v key=%q", gotIn, gotKey)
	}
	if !sp.lastCaller.Authenticated || sp.lastCaller.CallerID != "u1" {
		t.Fatalf("caller = %+v", sp.lastCaller)
	}
	if w.Header().Get(HeaderIdempotentReplay) != "" {
		t.Fatalf("fresh create must not be marked as replay")
	}
}

func TestCreateProject_ReplayAndKey(t *testing.T) {
	var gotKey string
	sp := &stubProjects{create: func(_ services.CreateProjectInput, key string) (*domain.Project, bool, error) {
		gotKey = key
		return &domain.Project{ID: "p1"}, true, nil
	}}
	r := newTestRouterWith(New(Deps{Projects: sp}), middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))

	w := do(t, r, http.MethodPost, "/projects", "u1", CreateProjectRequest{Name: "n"}, middleware.HeaderIdempotencyKey, "k-1")
	if w.Code != http.StatusOK || w.Header().Get(HeaderIdempotentReplay) != "true" || gotKey != "k-1" {
		t.Fatalf("replay: status=%d header=%q key=%q", w.Code, w.Header().Get(HeaderIdempotentReplay), gotKey)
	}
}

func TestCreateProject_Errors(t *testing.T) {
	sp := &stubProjects{create: func(services.CreateProjectInput, string) (*domain.Project, bool, error) {
		return nil, false, services.ErrNoLanguages
	}}
	r := newTestRouter(New(Deps{Projects: sp}))

	expectError(t, do(t, r, http.MethodPost, "/projects", "u1", "{not json"), http.StatusBadRequest, ErrCodeInvalidArgument)
	expectError(t, do(t, r, http.MethodPost, "/projects", "u1", CreateProjectRequest{Type: "translate"}), http.StatusBadRequest, ErrCodeInvalidArgument)

	sp.create = func(services.CreateProjectInput, string) (*domain.Project, bool, error) {
		return nil, false, services.ErrUnauthenticated
	}
	expectError(t, do(t, r, http.MethodPost, "/projects", "", CreateProjectRequest{}), http.StatusUnauthorized, ErrCodeUnauthenticated)
}

func TestListProjects(t *testing.T) {
	var gotPage, gotSize int
	var gotINM string
	sp := &stubProjects{list: func(page, size int, inm string) (*services.ProjectPage, error) {
		gotPage, gotSize, gotINM = page, size, inm
		if inm == `W/"v1"` {
			return &services.ProjectPage{ETag: `W/"v1"`, NotModified: true}, nil
		}
		return &services.ProjectPage{
			Items: []domain.Project{{ID: "a"}, {ID: "b"}},
			Total: 5,
			ETag:  `W/"v1"`,
		}, nil
	}}
	r := newTestRouter(New(Deps{Projects: sp}))

	w := do(t, r, http.MethodGet, "/projects?page=2&page_size=2", "u1", nil)
	if w.Code != http.StatusOK || w.Header().Get("ETag") != `W/"v1"` {
		t.Fatalf("status=%d etag=%q", w.Code, w.Header().Get("ETag"))
	}
	resp := decode[ListProjectsResponse](t, w)
	want := Pagination{Page: 2, PageSize: 2, Total: 5, TotalPages: 3, HasNext: true}
	if len(resp.Projects) != 2 || resp.Pagination != want {
		t.Fatalf("resp = %+v", resp)
	}
	if gotPage != 2 || gotSize != 2 {
		t.Fatalf("page=%d size=%d", gotPage, gotSize)
	}

	w = do(t, r, http.MethodGet, "/projects?page=0&page_size=1000", "u1", nil, "If-None-Match", `W/"v1"`)
	if w.Code != http.StatusNotModified || w.Body.Len() != 0 {
		t.Fatalf("conditional: status=%d body=%q", w.Code, w.Body.String())
	}
	if gotPage != 1 || gotSize != 100 || gotINM != `W/"v1"` {
		t.Fatalf("clamping: page=%d size=%d inm=%q", gotPage, gotSize, gotINM)
	}
}

func TestBatchGetProjects(t *testing.T) {
	var gotIDs []string
	sp := &stubProjects{getMany: func(ids []string) ([]domain.Project, error) {
		gotIDs = ids
		if len(ids) > services.MaxBatchIDs {
			return nil, services.ErrTooManyIDs
		}
		return []domain.Project{{ID: "b"}}, nil
	}}
	r := newTestRouter(New(Deps{Projects: sp}))

	w := do(t, r, http.MethodPost, "/projects/batch", "u1", BatchProjectsRequest{IDs: []string{"a", "b"}})
	if w.Code != http.StatusOK || len(decode[ProjectsResponse](t, w).Projects) != 1 || len(gotIDs) != 2 {
		t.Fatalf("batch: %d %s", w.Code, w.Body.String())
	}

	ids := make([]string, services.MaxBatchIDs+1)
	for i := range ids {
		ids[i] = "x"
	}
	expectError(t, do(t, r, http.MethodPost, "/projects/batch", "u1", BatchProjectsRequest{IDs: ids}), http.StatusBadRequest, ErrCodeInvalidArgument)
}

func TestUpdateProject(t *testing.T) {
	var gotID string
	var gotIn services.UpdateProjectInput
	sp := &stubProjects{update: func(id string, in services.UpdateProjectInput) (*domain.Project, error) {
		gotID, gotIn = id, in
		return &domain.Project{ID: id}, nil
	}}
	r := newTestRouter(New(Deps{Projects: sp}))

	body := `{"name":"New","languages":["de"],"results":{"status":"completed","data":{"kind":"enhance","title":"New"}}}`
	w := do(t, r, http.MethodPatch, "/projects/p1", "u1", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if gotID != "p1" || gotIn.Name == nil || *gotIn.Name != "New" || gotIn.Description != nil {
		t.Fatalf("input = %+v", gotIn)
	}
	if gotIn.Languages == nil || (*gotIn.Languages)[0] != "de" {
		t.Fatalf("languages = %v", gotIn.Languages)
	}
	if gotIn.Results == nil || gotIn.Results.Status != "completed" || !json.Valid(gotIn.Results.Data) {
		t.Fatalf("results = %+v", gotIn.Results)
	}

	sp.update = func(string, services.UpdateProjectInput) (*domain.Project, error) {
		return nil, services.ErrNotProjectOwner
	}
	expectError(t, do(t, r, http.MethodPatch, "/projects/p1", "u2", `{"name":"x"}`), http.StatusForbidden, ErrCodePermissionDenied)
}

func TestProjectByID_Routes(t *testing.T) {
	sp := &stubProjects{}
	gen := &stubGeneration{res: domain.ProjectResults{Status: domain.StatusCompleted, Data: []byte(`{"kind":"enhance","title":"Calc"}`)}}
	r := newTestRouter(New(Deps{Projects: sp, Generation: gen}))

	if w := do(t, r, http.MethodGet, "/projects/p1", "u1", nil); w.Code != http.StatusOK || decode[domain.Project](t, w).ID != "p1" {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, r, http.MethodGet, "/projects/p1/results", "u1", nil); w.Code != http.StatusOK || decode[domain.ProjectResults](t, w).Status != domain.StatusPending {
		t.Fatalf("results: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, r, http.MethodDelete, "/projects/p1", "u1", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/projects/p1/generate", "u1", nil); w.Code != http.StatusOK || decode[domain.ProjectResults](t, w).Status != domain.StatusCompleted {
		t.Fatalf("generate: %d %s", w.Code, w.Body.String())
	}

	sp.err = services.ErrProjectNotFound
	expectError(t, do(t, r, http.MethodGet, "/projects/nope", "u1", nil), http.StatusNotFound, ErrCodeNotFound)
	expectError(t, do(t, r, http.MethodGet, "/projects/nope/results", "u1", nil), http.StatusNotFound, ErrCodeNotFound)
	expectError(t, do(t, r, http.MethodDelete, "/projects/nope", "u1", nil), http.StatusNotFound, ErrCodeNotFound)

	gen.err = services.ErrAlreadyProcessing
	expectError(t, do(t, r, http.MethodPost, "/projects/p1/generate", "u1", nil), http.StatusBadRequest, ErrCodeInvalidArgument)
}

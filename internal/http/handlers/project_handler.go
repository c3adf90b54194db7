// Project HTTP handlers.
//
//   - POST   /projects               (create, Idempotency-Key aware)
//   - GET    /projects               (list, paginated, weak ETag)
//   - POST   /projects/batch         (read up to 100 by id)
//   - GET    /projects/{id}
//   - PATCH  /projects/{id}
//   - DELETE /projects/{id}
//   - GET    /projects/{id}/results
//   - POST   /projects/{id}/generate (foreground generation)
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/reachmix-backend/internal/auth"
	"github.com/tbourn/reachmix-backend/internal/domain"
	"github.com/tbourn/reachmix-backend/internal/http/middleware"
	"github.com/tbourn/reachmix-backend/internal/services"
)

//
// DTOs
//

// CreateProjectRequest is the JSON payload for creating a project.
type CreateProjectRequest struct {
	Name        string   `json:"name"        example:"Calc"`
	Description string   `json:"description" example:"A basic calculator for iOS"`
	Keywords    string   `json:"keywords"    example:"calculator, math"`
	Type        string   `json:"type"        example:"translate" enums:"enhance,translate"`
	Languages   []string `json:"languages"   example:"French,German"`
}

// ResultsPatch replaces a project's results.
type ResultsPatch struct {
	Status string          `json:"status" example:"completed" enums:"pending,in-progress,completed,error"`
	Data   json.RawMessage `json:"data,omitempty" swaggertype:"object"`
	Error  string          `json:"error,omitempty"`
}

// UpdateProjectRequest is a partial update; omitted fields are unchanged.
type UpdateProjectRequest struct {
	Name        *string       `json:"name,omitempty"`
	Description *string       `json:"description,omitempty"`
	Keywords    *string       `json:"keywords,omitempty"`
	Languages   *[]string     `json:"languages,omitempty"`
	Results     *ResultsPatch `json:"results,omitempty"`
}

// BatchProjectsRequest lists the ids to read.
type BatchProjectsRequest struct {
	IDs []string `json:"ids" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
}

// ProjectsResponse wraps a list of projects.
type ProjectsResponse struct {
	Projects []domain.Project `json:"projects"`
}

// ListProjectsResponse wraps a page of projects and pagination information.
type ListProjectsResponse struct {
	Projects   []domain.Project `json:"projects"`
	Pagination Pagination       `json:"pagination"`
}

//
// Handlers
//

// CreateProject godoc
// @ID          createProject
// @Summary     Create a project
// @Description Creates a project for the caller within their plan's project and language quotas and queues it for generation. With an Idempotency-Key, a retry returns the original project with 200 and Idempotent-Replay: true.
// @Tags        Projects
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       Idempotency-Key  header  string  false  "Client key for safe retries"  example(create-7f3a)
// @Param       body             body    handlers.CreateProjectRequest  true  "Project"
//
// @Success     201  {object}  domain.Project
// @Success     200  {object}  domain.Project  "Idempotent replay"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid input"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited or plan quota reached"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /projects [post]
func (h *Handlers) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidArgument, "invalid JSON body")
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)

	p, wasReplay, err := h.projects.Create(c.Request.Context(), auth.FromGin(c), services.CreateProjectInput{
		Name:        req.Name,
		Description: req.Description,
		Keywords:    req.Keywords,
		Type:        req.Type,
		Languages:   req.Languages,
	}, key)
	if err != nil {
		failErr(c, err)
		return
	}
	if wasReplay {
		replayed(c, p)
		return
	}
	ok(c, http.StatusCreated, p)
}

// ListProjects godoc
// @ID          listProjects
// @Summary     List projects (paginated)
// @Description Returns a page of the caller's projects, newest first. Supports a weak ETag via If-None-Match and may return 304.
// @Tags        Projects
// @Produce     json
// @Security    BearerAuth
//
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListProjectsResponse
// @Header      200  {string}  ETag  "Weak ETag for this page"
// @Success     304  {string}  string  "Not Modified"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /projects [get]
func (h *Handlers) ListProjects(c *gin.Context) {
	page, pageSize := clampPagination(c)

	res, err := h.projects.ListPageIfChanged(c.Request.Context(), auth.FromGin(c), page, pageSize, c.GetHeader("If-None-Match"))
	if err != nil {
		failErr(c, err)
		return
	}
	if res.NotModified {
		notModified(c, res.ETag)
		return
	}
	c.Header("ETag", res.ETag)
	ok(c, http.StatusOK, ListProjectsResponse{
		Projects:   res.Items,
		Pagination: newPagination(page, pageSize, res.Total),
	})
}

// BatchGetProjects godoc
// @ID          batchGetProjects
// @Summary     Read projects by id
// @Description Returns the caller's projects among up to 100 ids, in request order. Unknown ids and other users' projects are left out.
// @Tags        Projects
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       body  body  handlers.BatchProjectsRequest  true  "Project ids"
//
// @Success     200  {object}  handlers.ProjectsResponse
// @Failure     400  {object}  handlers.ErrorResponse  "More than 100 ids"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Router      /projects/batch [post]
func (h *Handlers) BatchGetProjects(c *gin.Context) {
	var req BatchProjectsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidArgument, "invalid JSON body")
		return
	}
	items, err := h.projects.GetMany(c.Request.Context(), auth.FromGin(c), req.IDs)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ProjectsResponse{Projects: items})
}

// GetProject godoc
// @ID          getProject
// @Summary     Get a project
// @Tags        Projects
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Project ID"  format(uuid)
//
// @Success     200  {object}  domain.Project
// @Failure     403  {object}  handlers.ErrorResponse  "Not the owner"
// @Failure     404  {object}  handlers.ErrorResponse  "Project not found"
// @Router      /projects/{id} [get]
func (h *Handlers) GetProject(c *gin.Context) {
	p, err := h.projects.Get(c.Request.Context(), auth.FromGin(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// UpdateProject godoc
// @ID          updateProject
// @Summary     Update a project
// @Description Applies a partial update. Changing languages of a translate project re-checks the plan's language quota; a results status change must follow pending → in-progress → completed|error.
// @Tags        Projects
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       id    path  string  true  "Project ID"  format(uuid)
// @Param       body  body  handlers.UpdateProjectRequest  true  "Fields to change"
//
// @Success     200  {object}  domain.Project
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid input"
// @Failure     403  {object}  handlers.ErrorResponse  "Not the owner"
// @Failure     404  {object}  handlers.ErrorResponse  "Project not found"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited or language quota reached"
// @Router      /projects/{id} [patch]
func (h *Handlers) UpdateProject(c *gin.Context) {
	var req UpdateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidArgument, "invalid JSON body")
		return
	}
	in := services.UpdateProjectInput{
		Name:        req.Name,
		Description: req.Description,
		Keywords:    req.Keywords,
		Languages:   req.Languages,
	}
	if req.Results != nil {
		in.Results = &services.ResultsInput{Status: req.Results.Status, Data: req.Results.Data, Error: req.Results.Error}
	}

	p, err := h.projects.Update(c.Request.Context(), auth.FromGin(c), c.Param("id"), in)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// DeleteProject godoc
// @ID          deleteProject
// @Summary     Delete a project
// @Tags        Projects
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Project ID"  format(uuid)
//
// @Success     204  {string}  string  "No Content"
// @Failure     403  {object}  handlers.ErrorResponse  "Not the owner"
// @Failure     404  {object}  handlers.ErrorResponse  "Project not found"
// @Router      /projects/{id} [delete]
func (h *Handlers) DeleteProject(c *gin.Context) {
	if err := h.projects.Delete(c.Request.Context(), auth.FromGin(c), c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// GetProjectResults godoc
// @ID          getProjectResults
// @Summary     Get a project's results
// @Tags        Projects
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Project ID"  format(uuid)
//
// @Success     200  {object}  domain.ProjectResults
// @Failure     403  {object}  handlers.ErrorResponse  "Not the owner"
// @Failure     404  {object}  handlers.ErrorResponse  "Project not found"
// @Router      /projects/{id}/results [get]
func (h *Handlers) GetProjectResults(c *gin.Context) {
	res, err := h.projects.GetResults(c.Request.Context(), auth.FromGin(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// GenerateProject godoc
// @ID          generateProject
// @Summary     Generate a project's content now
// @Description Claims the project and runs it through the generation pipeline, charging the openai.generation or openai.translation quota. A pipeline failure is stored on the project and returned as a typed error.
// @Tags        Projects
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Project ID"  format(uuid)
//
// @Success     200  {object}  domain.ProjectResults
// @Failure     400  {object}  handlers.ErrorResponse  "Already processing or completed"
// @Failure     403  {object}  handlers.ErrorResponse  "Not the owner"
// @Failure     404  {object}  handlers.ErrorResponse  "Project not found"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     500  {object}  handlers.ErrorResponse  "Generation failed"
// @Router      /projects/{id}/generate [post]
func (h *Handlers) GenerateProject(c *gin.Context) {
	res, err := h.generation.Generate(c.Request.Context(), auth.FromGin(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

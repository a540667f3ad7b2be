package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/prior-auth-server/internal/domain"
	"github.com/prior-auth-server/internal/guidelines"
	"github.com/prior-auth-server/internal/retrieval"
	"github.com/prior-auth-server/internal/service"
)

const (
	defaultRecordName = "record"
	guidelinePDFPages = 1
)

func (s *Server) handleRunPreAuthorization(c *gin.Context) {
	doc, err := readDocument(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	decision, err := s.deps.Service.RunPreAuthorization(c.Request.Context(), doc)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, decision)
}

func (s *Server) handleGetDecision(c *gin.Context) {
	decision, err := s.deps.Service.GetDecision(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (s *Server) handleGetGuidelines(c *gin.Context) {
	tree, err := s.deps.Service.GetGuidelines(c.Request.Context(), c.Param("code"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

func (s *Server) handlePutGuidelines(c *gin.Context) {
	var tree domain.GuidelineTree
	if err := c.ShouldBindJSON(&tree); err != nil {
		s.writeError(c, invalidInput("request body is not a guideline tree: "+err.Error()))
		return
	}

	code := service.NormalizeProcedureCode(c.Param("code"))
	if tree.ProcedureCode != "" && service.NormalizeProcedureCode(tree.ProcedureCode) != code {
		s.writeError(c, invalidInput("cpt_code in the body does not match the path"))
		return
	}
	tree.ProcedureCode = code

	overwrite, err := boolParam(c.DefaultQuery("overwrite", "true"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	if err := guidelines.Validate(&tree, s.deps.Checker); err != nil {
		s.writeError(c, err)
		return
	}

	id, err := s.deps.Guidelines.Put(c.Request.Context(), code, &tree, overwrite)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "cpt_code": code})
}

func (s *Server) handleIngestGuidelines(c *gin.Context) {
	if s.deps.Ingestion == nil {
		c.JSON(http.StatusNotImplemented, errorResponse{
			Code:      "NOT_IMPLEMENTED",
			Message:   "guideline ingestion is not configured",
			RequestID: requestID(c),
		})
		return
	}

	code := c.PostForm("cpt_code")

	text := c.PostForm("guidelines")
	if fh, ferr := c.FormFile("file"); ferr == nil {
		content, err := readFormFile(fh)
		if err != nil {
			s.writeError(c, err)
			return
		}
		text, err = guidelineText(fh, content)
		if err != nil {
			s.writeError(c, err)
			return
		}
	} else if isTooLarge(ferr) {
		s.writeError(c, errTooLarge)
		return
	}
	if strings.TrimSpace(text) == "" {
		s.writeError(c, invalidInput("guidelines text or file is required"))
		return
	}

	// ingestion always replaces the stored tree for the code
	id, tree, err := s.deps.Ingestion.Ingest(c.Request.Context(), code, text, true)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id, "cpt_code": tree.ProcedureCode, "tree": tree})
}

// readDocument accepts either a multipart upload with a "file" part and an
// optional JSON "facts" field, or the record as the raw request body.
func readDocument(c *gin.Context) (domain.Document, error) {
	if c.ContentType() == "multipart/form-data" {
		fh, err := c.FormFile("file")
		if err != nil {
			if isTooLarge(err) {
				return domain.Document{}, errTooLarge
			}
			return domain.Document{}, invalidInput("multipart field \"file\" is required")
		}
		content, err := readFormFile(fh)
		if err != nil {
			return domain.Document{}, err
		}

		doc := domain.Document{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Content:     content,
		}
		if raw := c.PostForm("facts"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &doc.Facts); err != nil {
				return domain.Document{}, invalidInput("facts must be a JSON object")
			}
		}
		return doc, nil
	}

	content, err := io.ReadAll(c.Request.Body)
	if err != nil {
		if isTooLarge(err) {
			return domain.Document{}, errTooLarge
		}
		return domain.Document{}, invalidInput("request body could not be read")
	}
	return domain.Document{
		Name:        c.DefaultQuery("name", defaultRecordName),
		ContentType: c.ContentType(),
		Content:     content,
	}, nil
}

// guidelineText returns the text of an uploaded guideline document. Payer
// guideline PDFs carry the criteria on their first page.
func guidelineText(fh *multipart.FileHeader, content []byte) (string, error) {
	if !retrieval.IsPDF(fh.Header.Get("Content-Type"), content) {
		return string(content), nil
	}
	text, err := retrieval.ExtractPDFText(content, guidelinePDFPages)
	if err != nil {
		return "", domain.NewPipelineError(domain.KindIndexingFailure, "guideline PDF could not be read", err)
	}
	return text, nil
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, invalidInput("uploaded file could not be opened")
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, invalidInput("uploaded file could not be read")
	}
	return content, nil
}

func boolParam(v string) (bool, error) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, invalidInput("overwrite must be true or false")
	}
	return b, nil
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

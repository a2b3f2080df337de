package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/muxminus/stemd/internal/storage"
	"github.com/muxminus/stemd/pkg/jobs"
)

func (server *Server) handleSubmitJob(ctx *gin.Context) {
	accountID, ok := accountFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}

	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, server.cfg.MaxUploadBytes)
	fileHeader, err := ctx.FormFile(uploadFormFileField)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_upload", "multipart field 'file' is required"))
		return
	}

	descriptor, err := jobs.NewDescriptor(
		jobs.Operation(ctx.DefaultPostForm(uploadFormOperation, string(jobs.OperationSeparation))),
		ctx.PostForm(uploadFormModel),
		ctx.PostForm(uploadFormTwoStem),
		ctx.PostForm(uploadFormOutputFormat),
	)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_descriptor", err.Error()))
		return
	}

	source, err := fileHeader.Open()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_upload", "cannot read uploaded file"))
		return
	}
	defer source.Close()

	// The upload is stored under its own id; a rejected admission
	// removes it again.
	inputPath, err := server.artifacts.SaveUpload(jobs.GenerateJobID(), fileHeader.Filename, source)
	if err != nil {
		server.logger.Error("upload not stored", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "upload not stored"))
		return
	}

	job, err := server.jobsService.Submit(ctx.Request.Context(), accountID, fileHeader.Filename, inputPath, descriptor)
	if err != nil {
		if removeErr := server.artifacts.Remove(inputPath); removeErr != nil {
			server.logger.Warn("rejected upload not removed", zap.Error(removeErr))
		}
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"job": jobToPayload(job)})
}

func (server *Server) handleGetJob(ctx *gin.Context) {
	accountID, ok := accountFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	jobID, err := jobs.NewJobID(ctx.Param("jobID"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "no such job"))
		return
	}
	job, err := server.jobsService.GetOwned(ctx.Request.Context(), accountID, jobID)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"job": jobToPayload(job)})
}

func (server *Server) handleListJobs(ctx *gin.Context) {
	accountID, ok := accountFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	listed, err := server.jobsService.List(ctx.Request.Context(), accountID, jobs.DefaultListLimit)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	payloads := make([]jobPayload, 0, len(listed))
	for _, job := range listed {
		payloads = append(payloads, jobToPayload(job))
	}
	ctx.JSON(http.StatusOK, gin.H{"jobs": payloads})
}

func (server *Server) handleCancelJob(ctx *gin.Context) {
	accountID, ok := accountFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	jobID, err := jobs.NewJobID(ctx.Param("jobID"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "no such job"))
		return
	}
	if err := server.jobsService.Cancel(ctx.Request.Context(), accountID, jobID); err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	job, err := server.jobsService.GetOwned(ctx.Request.Context(), accountID, jobID)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"job": jobToPayload(job)})
}

func (server *Server) handleDownload(ctx *gin.Context) {
	accountID, ok := accountFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	jobID, err := jobs.NewJobID(ctx.Param("jobID"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "no such job"))
		return
	}
	job, err := server.jobsService.GetOwned(ctx.Request.Context(), accountID, jobID)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}

	switch job.Status {
	case jobs.StatusArchived:
		ctx.JSON(http.StatusGone, errorResponse("expired", "artifact retention window has passed"))
		return
	case jobs.StatusCompleted:
	default:
		ctx.JSON(http.StatusConflict, errorResponse("not_ready", "job has no downloadable artifact"))
		return
	}

	file, err := server.artifacts.OpenArtifact(job.ArtifactPath)
	if err != nil {
		if errors.Is(err, storage.ErrArtifactMissing) {
			// The sweep deletes the file before it archives the row, so
			// a completed job whose file is gone is already expired.
			ctx.JSON(http.StatusGone, errorResponse("expired", "artifact retention window has passed"))
			return
		}
		server.respondDomainError(ctx, err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.DataFromReader(http.StatusOK, info.Size(), "application/zip", file, map[string]string{
		"Content-Disposition": `attachment; filename="` + job.JobID.String() + `.zip"`,
	})
}

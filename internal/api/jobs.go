package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mobie-tiles/server/internal/jobstore"
	"github.com/mobie-tiles/server/internal/project"
	"github.com/mobie-tiles/server/internal/storage"
)

var errNoJobs = errors.New("job manager not configured")

func jobJSON(job *jobstore.Job) map[string]interface{} {
	out := map[string]interface{}{
		"job_id":      job.ID,
		"kind":        job.Kind,
		"display":     job.Display,
		"status":      job.Status,
		"created_at":  job.CreatedAt,
		"started_at":  job.StartedAt,
		"finished_at": job.FinishedAt,
		"progress":    job.Progress,
		"error":       job.Error,
	}
	if len(job.Result) > 0 {
		out["result"] = job.Result
	}
	return out
}

// submitJob enqueues a job and answers 202 with its record. With
// ?wait=true it answers once the job has finished.
func submitJob(w http.ResponseWriter, r *http.Request, reg *Registry, kind, display string, params interface{}) {
	if reg.jobs == nil {
		http.Error(w, errNoJobs.Error(), http.StatusNotImplemented)
		return
	}
	job, err := reg.jobs.Submit(kind, display, params)
	if err != nil {
		http.Error(w, "failed to submit job: "+err.Error(), statusFor(err))
		return
	}

	if wait := r.URL.Query().Get("wait"); wait == "1" || strings.EqualFold(wait, "true") {
		final, err := reg.jobs.Wait(r.Context(), job.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobJSON(final))
		return
	}
	writeJSON(w, http.StatusAccepted, jobJSON(job))
}

func listJobsHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reg.jobs == nil {
			http.Error(w, errNoJobs.Error(), http.StatusNotImplemented)
			return
		}
		list, err := reg.jobs.List(r.URL.Query().Get("display"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make([]map[string]interface{}, 0, len(list))
		for _, job := range list {
			out = append(out, jobJSON(job))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func jobStatusHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reg.jobs == nil {
			http.Error(w, errNoJobs.Error(), http.StatusNotImplemented)
			return
		}
		job := reg.jobs.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, jobJSON(job))
	}
}

// deleteJobHandler removes a finished job.
func deleteJobHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reg.jobs == nil {
			http.Error(w, errNoJobs.Error(), http.StatusNotImplemented)
			return
		}
		id := chi.URLParam(r, "job_id")
		job := reg.jobs.Get(id)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if !job.Status.Finished() {
			http.Error(w, "job not finished (status: "+string(job.Status)+")", http.StatusConflict)
			return
		}
		if err := reg.jobs.Delete(id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// listViewsHandler lists the views of a document. A views document that
// does not exist yet has no views.
func listViewsHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc := r.URL.Query().Get("document")
		kind, err := project.ParseDocumentKind(doc)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		names, err := reg.project.ListViews(r.Context(), kind)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrNotFound):
			names = []string{}
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"document": kind.String(),
			"views":    names,
		})
	}
}

func saveViewHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params project.SaveViewParams
		if err := decodeBody(r, &params); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := project.ParseDocumentKind(params.Document); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(params.Name) == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		submitJob(w, r, reg, project.JobSaveView, "", params)
	}
}

func applyViewHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params project.ApplyViewParams
		if err := decodeBody(r, &params); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := project.ParseDocumentKind(params.Document); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if params.Name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		submitJob(w, r, reg, project.JobApplyView, "", params)
	}
}

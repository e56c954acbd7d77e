package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/annel0/mmo-territory/internal/engine"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// jobRetention сколько хранится результат завершённой задачи
const jobRetention = 10 * time.Minute

type jobState struct {
	owner    uuid.UUID
	created  time.Time
	finished time.Time
	done     bool
	result   engine.Result
}

// jobRegistry результаты фоновых передач
type jobRegistry struct {
	mu   sync.Mutex
	jobs map[string]*jobState
	now  func() time.Time
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{jobs: make(map[string]*jobState), now: time.Now}
}

// track регистрирует задачу и ждёт её результат в фоне
func (r *jobRegistry) track(owner uuid.UUID, future <-chan engine.Result) string {
	id := uuid.NewString()
	st := &jobState{owner: owner, created: r.now()}

	r.mu.Lock()
	r.pruneLocked()
	r.jobs[id] = st
	r.mu.Unlock()

	go func() {
		res := <-future
		r.mu.Lock()
		st.done = true
		st.result = res
		st.finished = r.now()
		r.mu.Unlock()
	}()
	return id
}

// get копия состояния задачи
func (r *jobRegistry) get(id string) (jobState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.jobs[id]
	if !ok {
		return jobState{}, false
	}
	return *st, true
}

func (r *jobRegistry) pruneLocked() {
	cutoff := r.now().Add(-jobRetention)
	for id, st := range r.jobs {
		if st.done && st.finished.Before(cutoff) {
			delete(r.jobs, id)
		}
	}
}

// handleJob состояние фоновой передачи; видна автору и администратору
func (rs *RestServer) handleJob(c *gin.Context) {
	st, ok := rs.jobs.get(c.Param("id"))
	if !ok || (st.owner != actor(c) && !isAdmin(c)) {
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Задача не найдена"})
		return
	}
	if !st.done {
		c.JSON(http.StatusAccepted, GenericResponse{
			Success: true,
			Message: "Задача выполняется",
			Data:    gin.H{"status": "pending", "created_at": st.created},
		})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: st.result.Success,
		Message: "Задача завершена",
		Data:    gin.H{"status": "done", "result": st.result},
	})
}

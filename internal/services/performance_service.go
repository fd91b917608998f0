package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/fxinvest/backend/internal/models"
	"github.com/shopspring/decimal"
)

const performanceSummaryCacheKey = "performance:summary"

// PerformanceService owns the periodic result-snapshot CRUD surface. Snapshots
// carry no cross-entity invariant; nothing here touches account balances.
type PerformanceService struct {
	db        *sql.DB
	redis     *redis.Client
	validator *ValidationHelper
}

func NewPerformanceService(db *sql.DB, redisClient *redis.Client) *PerformanceService {
	return &PerformanceService{
		db:        db,
		redis:     redisClient,
		validator: NewValidationHelper(),
	}
}

const performanceColumns = `id, fxid, COALESCE(account_base, ''), week, month, year, results, datetime, COALESCE(comments, ''), COALESCE(file_path, ''), total_trades, total_profit, max_win, min_win, COALESCE(account_type, ''), created_at, updated_at`

// ListPerformance retrieves all performance snapshots
// @Summary List performance snapshots
// @Tags performance
// @Produce json
// @Success 200 {object} object{performance=[]models.Performance,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /performance [get]
func (ps *PerformanceService) ListPerformance(w http.ResponseWriter, r *http.Request) {
	snapshots, err := ps.fetchPerformance(`
		SELECT ` + performanceColumns + `
		FROM performance
		ORDER BY id`)
	if err != nil {
		log.Printf("[PERFORMANCE] Failed to list snapshots: %v", err)
		SendErrorResponse(w, "Failed to fetch performance records", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"performance": snapshots,
		"count":       len(snapshots),
	})
}

// GetPerformance retrieves one snapshot by ID
// @Summary Get performance snapshot by ID
// @Tags performance
// @Produce json
// @Param id path int true "Snapshot ID"
// @Success 200 {object} models.Performance
// @Failure 404 {object} ErrorResponse
// @Router /performance/{id} [get]
func (ps *PerformanceService) GetPerformance(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		SendErrorResponse(w, "Invalid performance id", http.StatusBadRequest, nil)
		return
	}

	snapshots, err := ps.fetchPerformance(`
		SELECT `+performanceColumns+`
		FROM performance
		WHERE id = $1`, id)
	if err != nil {
		log.Printf("[PERFORMANCE] Failed to fetch snapshot %d: %v", id, err)
		SendErrorResponse(w, "Failed to fetch performance record", http.StatusInternalServerError, nil)
		return
	}
	if len(snapshots) == 0 {
		SendErrorResponse(w, "Performance record not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshots[0])
}

// GetPerformanceByFxID retrieves snapshots for one FX identity
// @Summary List performance snapshots by FX ID
// @Tags performance
// @Produce json
// @Param fxId path string true "FX identity"
// @Success 200 {object} object{performance=[]models.Performance,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /performance/by-fxid/{fxId} [get]
func (ps *PerformanceService) GetPerformanceByFxID(w http.ResponseWriter, r *http.Request) {
	fxID := chi.URLParam(r, "fxId")

	snapshots, err := ps.fetchPerformance(`
		SELECT `+performanceColumns+`
		FROM performance
		WHERE fxid = $1
		ORDER BY datetime DESC`, fxID)
	if err != nil {
		log.Printf("[PERFORMANCE] Failed to list snapshots for %s: %v", fxID, err)
		SendErrorResponse(w, "Failed to fetch performance records", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"performance": snapshots,
		"count":       len(snapshots),
	})
}

// GetPerformanceByWeek retrieves snapshots for one calendar week
// @Summary List performance snapshots for a week
// @Tags performance
// @Produce json
// @Param week path int true "ISO week"
// @Param year path int true "Year"
// @Success 200 {object} object{performance=[]models.Performance,count=int}
// @Failure 400 {object} ErrorResponse
// @Router /performance/week/{week}/year/{year} [get]
func (ps *PerformanceService) GetPerformanceByWeek(w http.ResponseWriter, r *http.Request) {
	week, err := strconv.Atoi(chi.URLParam(r, "week"))
	if err != nil {
		SendErrorResponse(w, "Invalid week", http.StatusBadRequest, nil)
		return
	}
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		SendErrorResponse(w, "Invalid year", http.StatusBadRequest, nil)
		return
	}

	snapshots, err := ps.fetchPerformance(`
		SELECT `+performanceColumns+`
		FROM performance
		WHERE week = $1 AND year = $2
		ORDER BY fxid`, week, year)
	if err != nil {
		log.Printf("[PERFORMANCE] Failed to list snapshots for week %d/%d: %v", week, year, err)
		SendErrorResponse(w, "Failed to fetch performance records", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"performance": snapshots,
		"count":       len(snapshots),
	})
}

// GetPerformanceSummary aggregates snapshots per FX identity
// @Summary Get performance summary
// @Description Total, average, record count and last update per FX identity; cached briefly in Redis when available
// @Tags performance
// @Produce json
// @Success 200 {array} models.PerformanceSummary
// @Failure 500 {object} ErrorResponse
// @Router /performance/summary [get]
func (ps *PerformanceService) GetPerformanceSummary(w http.ResponseWriter, r *http.Request) {
	if ps.redis != nil {
		if cached, err := ps.redis.Get(r.Context(), performanceSummaryCacheKey).Bytes(); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Write(cached)
			return
		}
	}

	rows, err := ps.db.Query(`
		SELECT fxid, COALESCE(SUM(results), 0), COALESCE(AVG(results), 0), COUNT(*), MAX(datetime)
		FROM performance
		GROUP BY fxid
		ORDER BY fxid`)
	if err != nil {
		log.Printf("[PERFORMANCE] Failed to summarise snapshots: %v", err)
		SendErrorResponse(w, "Failed to fetch performance summary", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	summaries := []models.PerformanceSummary{}
	for rows.Next() {
		summary := models.PerformanceSummary{}
		err := rows.Scan(&summary.FxID, &summary.TotalResults, &summary.AverageResults,
			&summary.RecordCount, &summary.LastUpdated)
		if err != nil {
			log.Printf("[PERFORMANCE] Failed to scan summary: %v", err)
			SendErrorResponse(w, "Failed to fetch performance summary", http.StatusInternalServerError, nil)
			return
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to fetch performance summary", http.StatusInternalServerError, nil)
		return
	}

	payload, _ := json.Marshal(summaries)
	if ps.redis != nil {
		ps.redis.Set(r.Context(), performanceSummaryCacheKey, payload, summaryCacheTTL)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

// CreatePerformance creates a new snapshot
// @Summary Create a performance snapshot
// @Tags performance
// @Accept json
// @Produce json
// @Param performance body models.Performance true "Snapshot data"
// @Success 201 {object} models.Performance
// @Failure 400 {object} ErrorResponse
// @Router /performance [post]
func (ps *PerformanceService) CreatePerformance(w http.ResponseWriter, r *http.Request) {
	var req models.Performance

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.DateTime.IsZero() {
		req.DateTime = time.Now()
	}

	err := ps.db.QueryRow(`
		INSERT INTO performance
		(fxid, account_base, week, month, year, results, datetime, comments, file_path, total_trades, total_profit, max_win, min_win, account_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		req.FxID, req.AccountBase, req.Week, req.Month, req.Year, req.Results, req.DateTime,
		req.Comments, req.FilePath, req.TotalTrades, req.TotalProfit, req.MaxWin, req.MinWin, req.AccountType).
		Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		log.Printf("[PERFORMANCE] Failed to create snapshot for %s: %v", req.FxID, err)
		SendErrorResponse(w, "Failed to create performance record", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(req)
}

// UpdatePerformance replaces a snapshot
// @Summary Replace a performance snapshot
// @Tags performance
// @Accept json
// @Produce json
// @Param id path int true "Snapshot ID"
// @Param performance body models.Performance true "Snapshot data"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /performance/{id} [put]
func (ps *PerformanceService) UpdatePerformance(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		SendErrorResponse(w, "Invalid performance id", http.StatusBadRequest, nil)
		return
	}

	var req models.Performance

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if req.ID != 0 && req.ID != id {
		SendErrorResponse(w, "Performance id mismatch", http.StatusBadRequest, nil)
		return
	}

	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := ps.db.Exec(`
		UPDATE performance
		SET fxid = $1, account_base = $2, week = $3, month = $4, year = $5, results = $6, datetime = $7,
		    comments = $8, file_path = $9, total_trades = $10, total_profit = $11, max_win = $12, min_win = $13,
		    account_type = $14, updated_at = NOW()
		WHERE id = $15`,
		req.FxID, req.AccountBase, req.Week, req.Month, req.Year, req.Results, req.DateTime,
		req.Comments, req.FilePath, req.TotalTrades, req.TotalProfit, req.MaxWin, req.MinWin, req.AccountType, id)
	if err != nil {
		log.Printf("[PERFORMANCE] Failed to update snapshot %d: %v", id, err)
		SendErrorResponse(w, "Failed to update performance record", http.StatusInternalServerError, nil)
		return
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		SendErrorResponse(w, "Performance record not found", http.StatusNotFound, nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PatchPerformance partially updates a snapshot
// @Summary Patch a performance snapshot
// @Tags performance
// @Accept json
// @Produce json
// @Param id path int true "Snapshot ID"
// @Param updates body map[string]interface{} true "Field updates"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /performance/{id} [patch]
func (ps *PerformanceService) PatchPerformance(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		SendErrorResponse(w, "Invalid performance id", http.StatusBadRequest, nil)
		return
	}

	var updates map[string]any

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	snapshots, err := ps.fetchPerformance(`
		SELECT `+performanceColumns+`
		FROM performance
		WHERE id = $1`, id)
	if err != nil {
		log.Printf("[PERFORMANCE] Failed to fetch snapshot %d: %v", id, err)
		SendErrorResponse(w, "Failed to fetch performance record", http.StatusInternalServerError, nil)
		return
	}
	if len(snapshots) == 0 {
		SendErrorResponse(w, "Performance record not found", http.StatusNotFound, nil)
		return
	}
	snapshot := snapshots[0]

	for key, value := range updates {
		switch strings.ToLower(key) {
		case "results":
			results, err := parseDecimalValue(value)
			if err != nil {
				SendErrorResponse(w, "Invalid results value", http.StatusBadRequest, nil)
				return
			}
			snapshot.Results = results
		case "comments":
			snapshot.Comments = fmt.Sprintf("%v", value)
		case "filepath":
			snapshot.FilePath = fmt.Sprintf("%v", value)
		case "totaltrades":
			trades, err := parseIntValue(value)
			if err != nil {
				SendErrorResponse(w, "Invalid totalTrades value", http.StatusBadRequest, nil)
				return
			}
			snapshot.TotalTrades = &trades
		case "totalprofit":
			profit, err := parseDecimalValue(value)
			if err != nil {
				SendErrorResponse(w, "Invalid totalProfit value", http.StatusBadRequest, nil)
				return
			}
			snapshot.TotalProfit = &profit
		case "maxwin":
			maxWin, err := parseDecimalValue(value)
			if err != nil {
				SendErrorResponse(w, "Invalid maxWin value", http.StatusBadRequest, nil)
				return
			}
			snapshot.MaxWin = &maxWin
		case "minwin":
			minWin, err := parseDecimalValue(value)
			if err != nil {
				SendErrorResponse(w, "Invalid minWin value", http.StatusBadRequest, nil)
				return
			}
			snapshot.MinWin = &minWin
		case "accounttype":
			snapshot.AccountType = fmt.Sprintf("%v", value)
		case "week":
			week, err := parseIntValue(value)
			if err != nil {
				SendErrorResponse(w, "Invalid week value", http.StatusBadRequest, nil)
				return
			}
			snapshot.Week = week
		case "month":
			month, err := parseIntValue(value)
			if err != nil {
				SendErrorResponse(w, "Invalid month value", http.StatusBadRequest, nil)
				return
			}
			snapshot.Month = month
		case "year":
			year, err := parseIntValue(value)
			if err != nil {
				SendErrorResponse(w, "Invalid year value", http.StatusBadRequest, nil)
				return
			}
			snapshot.Year = year
		case "datetime":
			date, err := parseDateParam(fmt.Sprintf("%v", value))
			if err != nil {
				SendErrorResponse(w, "Invalid dateTime value", http.StatusBadRequest, nil)
				return
			}
			snapshot.DateTime = date
		}
	}

	_, err = ps.db.Exec(`
		UPDATE performance
		SET fxid = $1, account_base = $2, week = $3, month = $4, year = $5, results = $6, datetime = $7,
		    comments = $8, file_path = $9, total_trades = $10, total_profit = $11, max_win = $12, min_win = $13,
		    account_type = $14, updated_at = NOW()
		WHERE id = $15`,
		snapshot.FxID, snapshot.AccountBase, snapshot.Week, snapshot.Month, snapshot.Year, snapshot.Results,
		snapshot.DateTime, snapshot.Comments, snapshot.FilePath, snapshot.TotalTrades, snapshot.TotalProfit,
		snapshot.MaxWin, snapshot.MinWin, snapshot.AccountType, id)
	if err != nil {
		log.Printf("[PERFORMANCE] Failed to patch snapshot %d: %v", id, err)
		SendErrorResponse(w, "Failed to update performance record", http.StatusInternalServerError, nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeletePerformance deletes a snapshot
// @Summary Delete a performance snapshot
// @Tags performance
// @Param id path int true "Snapshot ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /performance/{id} [delete]
func (ps *PerformanceService) DeletePerformance(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		SendErrorResponse(w, "Invalid performance id", http.StatusBadRequest, nil)
		return
	}

	result, err := ps.db.Exec(`DELETE FROM performance WHERE id = $1`, id)
	if err != nil {
		log.Printf("[PERFORMANCE] Failed to delete snapshot %d: %v", id, err)
		SendErrorResponse(w, "Failed to delete performance record", http.StatusInternalServerError, nil)
		return
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		SendErrorResponse(w, "Performance record not found", http.StatusNotFound, nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (ps *PerformanceService) fetchPerformance(query string, args ...any) ([]models.Performance, error) {
	rows, err := ps.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := []models.Performance{}
	for rows.Next() {
		p := models.Performance{}
		var totalTrades sql.NullInt64
		var totalProfit, maxWin, minWin decimal.NullDecimal
		err := rows.Scan(
			&p.ID, &p.FxID, &p.AccountBase, &p.Week, &p.Month, &p.Year, &p.Results, &p.DateTime,
			&p.Comments, &p.FilePath, &totalTrades, &totalProfit, &maxWin, &minWin, &p.AccountType,
			&p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if totalTrades.Valid {
			trades := int(totalTrades.Int64)
			p.TotalTrades = &trades
		}
		if totalProfit.Valid {
			p.TotalProfit = &totalProfit.Decimal
		}
		if maxWin.Valid {
			p.MaxWin = &maxWin.Decimal
		}
		if minWin.Valid {
			p.MinWin = &minWin.Decimal
		}
		snapshots = append(snapshots, p)
	}

	return snapshots, rows.Err()
}

func parseIntValue(v any) (int, error) {
	switch value := v.(type) {
	case float64:
		return int(value), nil
	case string:
		return strconv.Atoi(value)
	case json.Number:
		n, err := value.Int64()
		return int(n), err
	}
	return 0, fmt.Errorf("unsupported integer value %v", v)
}

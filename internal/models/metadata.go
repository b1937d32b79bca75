package models

import (
	"encoding/json"
	"time"
)

// Metadata - свободный JSON-мешок для полей, которые никто не запрашивает отдельно.
type Metadata map[string]any

// Merge возвращает новую карту: m, перекрытая значениями other.
func (m Metadata) Merge(other Metadata) Metadata {
	out := make(Metadata, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// SyncProgress - типизированное состояние прогресса запуска.
// Поля, которые читает UI и возобновление исторического импорта, вынесены явно.
type SyncProgress struct {
	Phase string `json:"phase,omitempty"`
	// CurrentPage - последняя страница, все батчи которой импортированы.
	CurrentPage  int        `json:"current_page,omitempty"`
	TotalPages   int        `json:"total_pages,omitempty"`
	TotalResults int        `json:"total_results,omitempty"`
	Fetched      int        `json:"fetched,omitempty"`
	Batch        int        `json:"batch,omitempty"`
	From         *time.Time `json:"from,omitempty"`
	To           *time.Time `json:"to,omitempty"`
	DateField    string     `json:"date_field,omitempty"`
	SkipReason   string     `json:"cache_signal_skipped,omitempty"`
	Extra        Metadata   `json:"extra,omitempty"`
}

// Merge накладывает ненулевые поля next поверх p.
func (p SyncProgress) Merge(next SyncProgress) SyncProgress {
	if next.Phase != "" {
		p.Phase = next.Phase
	}
	if next.CurrentPage > p.CurrentPage {
		p.CurrentPage = next.CurrentPage
	}
	if next.TotalPages > 0 {
		p.TotalPages = next.TotalPages
	}
	if next.TotalResults > 0 {
		p.TotalResults = next.TotalResults
	}
	if next.Fetched > p.Fetched {
		p.Fetched = next.Fetched
	}
	if next.Batch > p.Batch {
		p.Batch = next.Batch
	}
	if next.From != nil {
		p.From = next.From
	}
	if next.To != nil {
		p.To = next.To
	}
	if next.DateField != "" {
		p.DateField = next.DateField
	}
	if next.SkipReason != "" {
		p.SkipReason = next.SkipReason
	}
	if len(next.Extra) > 0 {
		p.Extra = p.Extra.Merge(next.Extra)
	}
	return p
}

// MarshalProgress сериализует прогресс для jsonb-колонки.
func MarshalProgress(p SyncProgress) ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalProgress разбирает jsonb-колонку; пустое значение даёт нулевой прогресс.
func UnmarshalProgress(raw []byte) (SyncProgress, error) {
	var p SyncProgress
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}
	return p, nil
}

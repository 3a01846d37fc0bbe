package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/filingworks/presubmit/internal/domain"
)

type PodStore struct {
	db DB
}

func NewPodStore(db DB) *PodStore {
	if db == nil {
		return nil
	}
	return &PodStore{db: db}
}

func (s *PodStore) GetPod(ctx context.Context, podID string) (domain.PodIdentifier, error) {
	if s == nil || s.db == nil {
		return domain.PodIdentifier{}, fmt.Errorf("pod store not initialized")
	}
	podID = strings.TrimSpace(podID)
	if podID == "" {
		return domain.PodIdentifier{}, fmt.Errorf("pod id is required")
	}
	var pod domain.PodIdentifier
	err := s.db.QueryRowContext(
		ctx,
		`SELECT pod_id, asid, region FROM pod_identifier WHERE pod_id = $1`,
		podID,
	).Scan(&pod.PodID, &pod.ASID, &pod.Region)
	if err != nil {
		return domain.PodIdentifier{}, handleNotFound(err)
	}
	return pod, nil
}

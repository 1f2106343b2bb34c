package storage

import (
	"proofwork/core"
	"proofwork/models"
)

// RecordAlarm stores one inbound SNS envelope, deduplicated on
// (topic_arn, sns_message_id). Returns whether the envelope was new.
func (s *Store) RecordAlarm(alarm *models.AlarmNotification) (bool, error) {
	if alarm.ID == "" {
		alarm.ID = core.NewID(core.PrefixAlarm)
	}
	if alarm.ReceivedAt.IsZero() {
		alarm.ReceivedAt = s.Now()
	}
	res := s.db.Clauses(onConflictDoNothing()).Create(alarm)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListAlarms returns the alarm inbox, newest first.
func (s *Store) ListAlarms(limit int) ([]models.AlarmNotification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var alarms []models.AlarmNotification
	err := s.db.Order("received_at desc").Limit(limit).Find(&alarms).Error
	if err != nil {
		return nil, translate(err)
	}
	return alarms, nil
}

// RecordGitHubEvent stores one webhook delivery keyed by its GUID. Returns
// whether the delivery was new.
func (s *Store) RecordGitHubEvent(evt *models.GitHubEvent) (bool, error) {
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = s.Now()
	}
	res := s.db.Clauses(onConflictDoNothing()).Create(evt)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}

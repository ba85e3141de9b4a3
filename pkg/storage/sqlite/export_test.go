package sqlite

// rewriteActive replaces the stored payload of the active snapshot.
func (s *SQLiteStorage) rewriteActive(courseID string, mutate func([]byte) []byte) error {
	var id string
	var payload []byte
	err := s.db.QueryRow(
		`SELECT s.snapshot_id, s.payload FROM active_snapshot a
		 JOIN snapshots s ON s.snapshot_id = a.snapshot_id
		 WHERE a.course_id = ?`, courseID,
	).Scan(&id, &payload)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE snapshots SET payload = ? WHERE snapshot_id = ?`, mutate(payload), id)
	return err
}

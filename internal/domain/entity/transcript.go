package entity

import "time"

// Transcript is the persisted transcript artifact. Text is English
// whenever translation succeeded, otherwise the detected source language.
type Transcript struct {
	LessonID  string    `json:"lessonId"`
	JobID     string    `json:"jobId"`
	AudioPath string    `json:"audioPath"`
	Model     string    `json:"model"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"createdAt"`
	Version   int       `json:"version"`
	Duration  float64   `json:"duration"`
	Text      string    `json:"text"`
}

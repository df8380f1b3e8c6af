package domain

// ParticipationStatus marks whether a participation is a plain entry or a winning one.
type ParticipationStatus string

const (
	ParticipationVerified ParticipationStatus = "verified"
	ParticipationWinner   ParticipationStatus = "winner"
)

// Participation is one user's entry in one contest.
// A user may participate in many contests; rows are unique per (contest, user).
type Participation struct {
	ID         int64
	ContestID  int64
	UserID     int64
	TelegramID string
	Username   string
	GroupID    string // telegram chat the user joined from
	Status     ParticipationStatus
	PrizePlace int // 0 = not a winner
}

// Assignment pairs a winning participation with its 1-based prize place.
type Assignment struct {
	Participation Participation
	PrizePlace    int
}

// User is a Telegram user known to the bot.
type User struct {
	ID         int64
	TelegramID string
	Username   string
}

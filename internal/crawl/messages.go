package crawl

// Operator-facing messages. The external crawler and operators use Korean.
const (
	// CompletionPhrase is emitted by the crawler once every step has finished.
	CompletionPhrase = "모든 초기 설정이 완료되었습니다"

	MsgStarted          = "크롤링이 시작되었습니다."
	MsgStartFailed      = "크롤링 시작 실패: "
	MsgPaused           = "크롤링이 일시정지되었습니다."
	MsgResumed          = "크롤링이 재개되었습니다."
	MsgStopped          = "크롤링이 중지되었습니다."
	MsgResetWhileActive = "크롤링이 진행 중입니다. 먼저 중지해주세요."
	MsgResetDone        = "초기화가 완료되었습니다."
	MsgCompleted        = "크롤링이 완료되었습니다."
	MsgBackupDone       = "백업이 완료되었습니다."
)

// Rejection messages for control actions.
const (
	MsgAlreadyActive = "이미 크롤링이 진행 중입니다."
	MsgNotRunning    = "진행 중인 크롤링이 없습니다."
	MsgNotPaused     = "일시정지된 크롤링이 없습니다."
	MsgCrawlerFailed = "크롤러 요청 실패: "
)

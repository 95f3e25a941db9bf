package worker

// backlog 批次待分派的任務。只由協調者 goroutine 存取，因此不需要鎖
type backlog struct {
	tasks      []Task
	head       int // Queue 模式的讀取位置
	discipline Discipline
	chunk      int
}

func newBacklog(tasks []Task, d Discipline, chunk int) *backlog {
	seeded := make([]Task, len(tasks))
	copy(seeded, tasks)
	if d == Stack || chunk <= 0 {
		chunk = 1
	}
	return &backlog{tasks: seeded, discipline: d, chunk: chunk}
}

// remaining 尚未分派的任務數
func (b *backlog) remaining() int {
	return len(b.tasks) - b.head
}

// pull 取出下一個工作單位，沒有剩餘任務時返回 nil
//   - Stack: 從尾端取一個（後進先出）
//   - Queue: 從前端取最多 chunk 個（先進先出）
func (b *backlog) pull() []Task {
	if b.remaining() == 0 {
		return nil
	}
	if b.discipline == Stack {
		last := len(b.tasks) - 1
		t := b.tasks[last]
		b.tasks = b.tasks[:last]
		return []Task{t}
	}

	end := b.head + b.chunk
	if end > len(b.tasks) {
		end = len(b.tasks)
	}
	work := b.tasks[b.head:end:end]
	b.head = end
	return work
}

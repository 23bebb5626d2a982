package websocket

import (
	"bytes"
	"context"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"tradecore/internal/models"
	"tradecore/pkg/utils"
)

// ============ sync.Pool для JSON буферов ============
// Broadcast вызывается на каждом событии конвейера, буферы
// переиспользуются чтобы не аллоцировать на каждом сообщении.

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

var wsjson = jsoniter.ConfigCompatibleWithStandardLibrary

// Hub управляет всеми активными WebSocket соединениями
//
// Центральный менеджер broadcast-рассылки: события жизненного
// цикла позиций, обновления балансов и статусные снимки уходят
// всем подключенным клиентам без polling.
//
// Использование:
// 1. Создать hub: hub := NewHub()
// 2. Запустить в горутине: go hub.Run(ctx)
// 3. Отправлять сообщения: hub.BroadcastEvent(n)
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]bool

	// Broadcast канал для отправки сообщений всем клиентам
	broadcast chan []byte

	// Регистрация нового клиента
	register chan *Client

	// Отмена регистрации клиента
	unregister chan *Client

	mu     sync.RWMutex
	logger *utils.Logger
}

// NewHub создает новый Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     utils.L().WithComponent("websocket"),
	}
}

// Run запускает главный цикл Hub
//
// Должен запускаться в отдельной горутине: go hub.Run(ctx).
// Обрабатывает регистрацию, отмену регистрации и broadcast.
// На отмене контекста закрывает все клиентские каналы.
//
// Рассылка идёт по копии списка клиентов без удержания lock:
// отправка медленному клиенту не блокирует register/unregister.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", zap.Int("total", total))

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// клиент не вычитывает буфер - отключаем
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.logger.Warn("removed slow clients",
					zap.Int("removed", len(toRemove)),
					zap.Int("total", total))
			}
		}
	}
}

// closeAll отключает всех клиентов при остановке
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// Broadcast сериализует сообщение и рассылает всем клиентам.
// Если канал рассылки заполнен, сообщение отбрасывается:
// события самоценны только в реальном времени, история в БД.
func (h *Hub) Broadcast(message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := wsjson.NewEncoder(buf).Encode(message); err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		jsonBufferPool.Put(buf)
		return
	}

	// убираем trailing newline от Encode
	data := buf.Bytes()
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}

	msgCopy := make([]byte, len(data))
	copy(msgCopy, data)
	jsonBufferPool.Put(buf)

	select {
	case h.broadcast <- msgCopy:
	default:
	}
}

// BroadcastEvent рассылает событие жизненного цикла
func (h *Hub) BroadcastEvent(n *models.Notification) {
	h.Broadcast(NewEventMessage(n))
}

// BroadcastBalance рассылает обновление баланса биржи
func (h *Hub) BroadcastBalance(snapshot *models.BalanceSnapshot) {
	h.Broadcast(NewBalanceUpdateMessage(snapshot))
}

// BroadcastStatus рассылает снимок состояния координатора
func (h *Hub) BroadcastStatus(status interface{}) {
	h.Broadcast(NewStatusUpdateMessage(status))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

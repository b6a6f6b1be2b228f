package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleWebSocket upgrades the request and serves the connection until it
// closes. Only GET is accepted.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if s.closing() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	t, err := newWSTransport(conn, s.cfg.MaxMessageSize)
	if err != nil {
		s.logger.Warn("WebSocket setup failed", "addr", r.RemoteAddr, "error", err)
		_ = conn.Close()
		return
	}
	s.metrics.recordAccept(t.name())
	s.startClient(t, r.RemoteAddr)
}

// handleHealth reports that the relay is running.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "LAN chat relay is running!")
}

// handleStats serves relay statistics as JSON.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.router.Stats()); err != nil {
		s.logger.Warn("error writing stats response", "error", err)
	}
}

// handleTestPage serves a small browser client for manual testing.
func (s *Server) handleTestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		s.logger.Warn("error writing HTML response", "error", err)
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>LAN Chat Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 240px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>LAN Chat Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="nameInput" placeholder="Username">
        <button onclick="login()">Login</button>
        <input type="text" id="roomInput" placeholder="Room">
        <button onclick="join()">Join</button>
    </div>
    <div>
        <input type="text" id="targetInput" placeholder="Private to (optional)">
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function render(env) {
            switch (env.type) {
            case 'text': addLine('[' + env.room + '] ' + env.sender + ': ' + env.content, 'green'); break;
            case 'private': addLine('(private) ' + env.sender + ' -> ' + env.target + ': ' + env.content, 'purple'); break;
            case 'user_list': addLine('users: ' + (env.users || []).join(', ')); break;
            case 'user_status': addLine(env.username + ' is ' + env.status); break;
            case 'error': addLine('error: ' + env.content, 'red'); break;
            case 'file_base64':
            case 'image_base64': addLine(env.sender + ' sent ' + env.filename + ' (' + env.filesize + ' bytes)', 'blue'); break;
            default: addLine(env.content || JSON.stringify(env));
            }
        }

        function send(env) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify(env));
            }
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
            ws.onopen = function() { addLine('Connected to LAN chat'); updateStatus(true); };
            ws.onmessage = function(event) {
                event.data.split('\n').filter(Boolean).forEach(function(line) { render(JSON.parse(line)); });
            };
            ws.onclose = function() { addLine('Connection closed'); updateStatus(false); ws = null; };
            ws.onerror = function() { addLine('Connection error', 'red'); updateStatus(false); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) { ws.close(); } else { connect(); }
        }

        function login() { send({type: 'login', username: document.getElementById('nameInput').value.trim()}); }
        function join() { send({type: 'join', room: document.getElementById('roomInput').value.trim()}); }

        function sendMessage() {
            const content = messageInput.value.trim();
            const target = document.getElementById('targetInput').value.trim();
            if (!content) { return; }
            send(target ? {type: 'private', target: target, content: content} : {type: 'text', content: content});
            addLine('You: ' + content, 'blue');
            messageInput.value = '';
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') { sendMessage(); }
        });
    </script>
</body>
</html>`
